package inter

import "time"

// NodeStatus 节点的逻辑在线状态
type NodeStatus int

const (
	StatusOffline NodeStatus = iota // 离线
	StatusOnline                    // 在线
)

func (s NodeStatus) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

// NodeInfo 节点运行时信息，由收到的报文逐步补全
type NodeInfo struct {
	NodeID         uint64
	LastSeen       time.Time
	RebootReason   uint32
	RebootCount    uint32
	GitSHA         uint32
	SelfTestResult uint32
	// Device 收到 DeviceInfoReply 之前为 nil
	Device *DeviceInfoReply
}

// NodeRegistry 记录网络中其他节点的活跃情况
type NodeRegistry interface {
	// HandleSeen 收到来自该节点的任意报文时调用，刷新最后活跃时间
	HandleSeen(nodeID uint64)

	// Update 刷新活跃时间并修改节点信息
	Update(nodeID uint64, fn func(info *NodeInfo))

	// QueryNodeStatus 查询节点状态，从未出现过的节点返回错误
	QueryNodeStatus(nodeID uint64) (NodeStatus, error)

	// Lookup 返回节点信息的副本
	Lookup(nodeID uint64) (NodeInfo, bool)

	// OnlineNodes 返回当前在线节点 ID (升序)
	OnlineNodes() []uint64
}

// MessageQueue 缓冲发往暂不在线节点的 NetMsg 载荷
type MessageQueue interface {
	// Push 入队，队列满时丢弃最早的一条
	Push(nodeID uint64, payload []byte) error

	// Pop 取出最早的一条 (FIFO)
	Pop(nodeID uint64) ([]byte, bool)

	// IsEmpty 队列是否为空
	IsEmpty(nodeID uint64) bool
}
