package inter

import "errors"

// =============================================================================
// BM-Serial 协议常量与类型定义
// =============================================================================

const (
	// PacketHeaderSize 固定包头大小: type(1) + flags(1) + crc16(2)
	PacketHeaderSize = 4
	// DefaultMaxPacketSize 默认发送缓冲区容量
	DefaultMaxPacketSize = 2048
	// MaxTopicLen 主题最大长度 (pub/sub/unsub)
	MaxTopicLen = 64
	// DfuChunkNakFlag DfuChunk.offset 的最高位，表示请求从该偏移重传
	DfuChunkNakFlag uint32 = 1 << 31
	// SerialNumLen DeviceInfoReply 中序列号字段长度
	SerialNumLen = 16
)

// MessageType 报文类型标签
type MessageType uint8

const (
	MsgDebug       MessageType = 0x00
	MsgAck         MessageType = 0x01 // 保留，本层不实现确认机制
	MsgPub         MessageType = 0x02
	MsgSub         MessageType = 0x03
	MsgUnsub       MessageType = 0x04
	MsgLog         MessageType = 0x05
	MsgNetMsg      MessageType = 0x06
	MsgRtcSet      MessageType = 0x07
	MsgSelfTest    MessageType = 0x08
	MsgNetworkInfo MessageType = 0x09
	MsgRebootInfo  MessageType = 0x0A
)

// 固件升级 (DFU)
const (
	MsgDfuStart MessageType = 0x30 + iota
	MsgDfuChunk
	MsgDfuResult
)

// 配置管理 (Config)
const (
	MsgCfgGet MessageType = 0x40 + iota
	MsgCfgSet
	MsgCfgValue
	MsgCfgCommit
	MsgCfgStatusReq
	MsgCfgStatusResp
	MsgCfgDelReq
	MsgCfgDelResp
)

// 设备信息与资源表
const (
	MsgDeviceInfoReq MessageType = 0x50 + iota
	MsgDeviceInfoReply
	MsgResourceReq
	MsgResourceReply
)

var messageTypeNames = map[MessageType]string{
	MsgDebug:           "debug",
	MsgAck:             "ack",
	MsgPub:             "pub",
	MsgSub:             "sub",
	MsgUnsub:           "unsub",
	MsgLog:             "log",
	MsgNetMsg:          "net_msg",
	MsgRtcSet:          "rtc_set",
	MsgSelfTest:        "self_test",
	MsgNetworkInfo:     "network_info",
	MsgRebootInfo:      "reboot_info",
	MsgDfuStart:        "dfu_start",
	MsgDfuChunk:        "dfu_chunk",
	MsgDfuResult:       "dfu_result",
	MsgCfgGet:          "cfg_get",
	MsgCfgSet:          "cfg_set",
	MsgCfgValue:        "cfg_value",
	MsgCfgCommit:       "cfg_commit",
	MsgCfgStatusReq:    "cfg_status_req",
	MsgCfgStatusResp:   "cfg_status_resp",
	MsgCfgDelReq:       "cfg_del_req",
	MsgCfgDelResp:      "cfg_del_resp",
	MsgDeviceInfoReq:   "device_info_req",
	MsgDeviceInfoReply: "device_info_reply",
	MsgResourceReq:     "resource_req",
	MsgResourceReply:   "resource_reply",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ConfigPartition 配置分区
type ConfigPartition uint8

const (
	PartitionUser ConfigPartition = iota
	PartitionSystem
	PartitionHardware
)

func (p ConfigPartition) String() string {
	switch p {
	case PartitionUser:
		return "user"
	case PartitionSystem:
		return "system"
	case PartitionHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// ParsePartition 将名称解析为配置分区
func ParsePartition(name string) (ConfigPartition, error) {
	switch name {
	case "user":
		return PartitionUser, nil
	case "system":
		return PartitionSystem, nil
	case "hardware":
		return PartitionHardware, nil
	default:
		return 0, errors.New("config: 未知分区 " + name)
	}
}

// Packet 表示一个解析后的包头及其载荷视图
type Packet struct {
	// Type 报文类型
	Type MessageType
	// Flags 保留字段，当前恒为 0
	Flags uint8
	// CRC16 包头中携带的校验值
	CRC16 uint16
	// Payload 载荷，指向原始缓冲区 (零拷贝)
	Payload []byte
}

// TxFunc 发送函数，每个编码完成的包调用一次。
// 发送函数获得 packet 的所有权；若使用共享缓冲区 (WithScratch)，返回后该切片会被复用。
type TxFunc func(packet []byte) error

// Observer 观察编解码结果 (指标统计等)
type Observer interface {
	// Encoded 在一次编码尝试结束后调用，err 为 nil 表示已成功交给发送函数
	Encoded(t MessageType, size int, err error)
	// Decoded 在一次解码/分发结束后调用
	Decoded(t MessageType, size int, err error)
}

// SerialProtocol 定义了协议编码端与分发端的核心接口
type SerialProtocol interface {
	// SetCallbacks 整体替换回调表
	SetCallbacks(cb Callbacks)
	// Process 校验并分发一个完整的包
	Process(packet []byte) error

	Tx(t MessageType, payload []byte) error
	Pub(nodeID uint64, topic string, data []byte, pubType, version uint8) error
	Sub(topic string) error
	Unsub(topic string) error
	Log(data []byte) error
	Debug(data []byte) error
	NetMsg(nodeID uint64, flags uint8, data []byte) error
	SetRTC(flags uint32, t *RtcTime) error
	SendNetworkInfo(networkCRC32 uint32, configCRC *ConfigCRC, fwInfo *FwVersion, nodeIDs []uint64, cborConfigMap []byte) error
	SendSelfTest(nodeID uint64, result uint32) error
	SendRebootInfo(nodeID uint64, reason, gitSHA, count uint32) error
	DfuSendStart(start *DfuStart) error
	DfuSendChunk(offset uint32, data []byte) error
	DfuSendFinish(nodeID uint64, success bool, status uint32) error
	CfgGet(nodeID uint64, partition ConfigPartition, key string) error
	CfgSet(nodeID uint64, partition ConfigPartition, key string, value []byte) error
	CfgValue(nodeID uint64, partition ConfigPartition, data []byte) error
	CfgCommit(nodeID uint64, partition ConfigPartition) error
	CfgStatusRequest(nodeID uint64, partition ConfigPartition) error
	CfgStatusResponse(nodeID uint64, partition ConfigPartition, committed bool, keys []string) error
	CfgDeleteRequest(nodeID uint64, partition ConfigPartition, key string) error
	CfgDeleteResponse(nodeID uint64, partition ConfigPartition, key string, success bool) error
	SendInfoRequest(nodeID uint64) error
	SendInfoReply(info *DeviceInfoReply) error
	SendResourceRequest(nodeID uint64) error
	SendResourceReply(nodeID uint64, pubs, subs []string) error
}
