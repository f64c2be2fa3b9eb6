package device_manager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
)

// PubHandler 处理本节点已订阅主题上的发布
type PubHandler func(m *inter.PubMsg) error

// ResponseHandler 接收对端对本节点请求的应答 (CfgValue、CfgStatusResp、DeviceInfoReply 等)
type ResponseHandler func(m inter.Message)

// Clock 接收 RtcSet 设置的时间
type Clock interface {
	Set(t time.Time) error
	Now() time.Time
}

// OffsetClock 以相对系统时间的偏移保存对端下发的时间，不修改系统时钟
type OffsetClock struct {
	mu     sync.RWMutex
	offset time.Duration
}

func (c *OffsetClock) Set(t time.Time) error {
	c.mu.Lock()
	c.offset = time.Until(t)
	c.mu.Unlock()
	return nil
}

func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// NodeManager 网络中的一个参考节点：
// 维护本地配置、订阅表与节点活跃表，并对收到的请求作出应答。
type NodeManager struct {
	nodeID   uint64
	serial   inter.SerialProtocol
	store    inter.ConfigStore
	registry inter.NodeRegistry
	queue    inter.MessageQueue
	dfu      *DfuReceiver
	clock    Clock
	log      *logger.Logger

	info       inter.DeviceInfoReply
	fw         inter.FwVersion
	selfTest   func() uint32
	onPub      PubHandler
	onResponse ResponseHandler

	mu   sync.RWMutex
	subs map[string]struct{}
	pubs map[string]struct{}

	outMu    sync.Mutex
	outgoing *protocol.DfuSender
}

type Option func(*NodeManager)

func WithRegistry(r inter.NodeRegistry) Option {
	return func(m *NodeManager) { m.registry = r }
}

func WithQueue(q inter.MessageQueue) Option {
	return func(m *NodeManager) { m.queue = q }
}

func WithClock(c Clock) Option {
	return func(m *NodeManager) { m.clock = c }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *NodeManager) { m.log = l }
}

// WithFirmwareSink 固件镜像写入目标，不设置时拒绝所有升级
func WithFirmwareSink(w io.WriterAt) Option {
	return func(m *NodeManager) { m.dfu.w = w }
}

// WithDeviceInfo 设置应答 DeviceInfoReq 时使用的设备信息，NodeID 字段会被覆盖
func WithDeviceInfo(info inter.DeviceInfoReply) Option {
	return func(m *NodeManager) {
		m.info = info
		m.fw = inter.FwVersion{Major: info.VerMajor, Minor: info.VerMinor, Revision: info.VerRev, GitSHA: info.GitSHA}
	}
}

func WithSelfTest(fn func() uint32) Option {
	return func(m *NodeManager) { m.selfTest = fn }
}

func WithPubHandler(h PubHandler) Option {
	return func(m *NodeManager) { m.onPub = h }
}

func WithResponseHandler(h ResponseHandler) Option {
	return func(m *NodeManager) { m.onResponse = h }
}

func NewNodeManager(nodeID uint64, s inter.SerialProtocol, store inter.ConfigStore, opts ...Option) *NodeManager {
	m := &NodeManager{
		nodeID:   nodeID,
		serial:   s,
		store:    store,
		registry: NewNodeRegistry(60 * time.Second),
		queue:    NewMessageQueue(100),
		clock:    &OffsetClock{},
		log:      logger.NewLogger("node"),
		subs:     make(map[string]struct{}),
		pubs:     make(map[string]struct{}),
	}
	m.dfu = NewDfuReceiver(nodeID, s, nil, m.log)
	for _, opt := range opts {
		opt(m)
	}
	m.dfu.log = m.log
	m.info.NodeID = nodeID
	return m
}

func (m *NodeManager) NodeID() uint64 { return m.nodeID }
func (m *NodeManager) Registry() inter.NodeRegistry { return m.registry }
func (m *NodeManager) Clock() Clock { return m.clock }
func (m *NodeManager) DfuReceiver() *DfuReceiver { return m.dfu }

// Attach 在协议实例上安装本节点的回调表
func (m *NodeManager) Attach(tx inter.TxFunc) {
	m.serial.SetCallbacks(m.Callbacks(tx))
}

// Callbacks 构建回调表
func (m *NodeManager) Callbacks(tx inter.TxFunc) inter.Callbacks {
	return inter.Callbacks{
		Tx: tx,

		Debug: func(msg *inter.DebugMsg) error {
			m.log.Debug("debug", "data", string(msg.Data))
			return nil
		},
		Log: func(msg *inter.LogMsg) error {
			m.log.Info("remote log", "data", string(msg.Data))
			return nil
		},
		Sub: func(msg *inter.SubMsg) error {
			m.setSubscribed(msg.Topic, true)
			return nil
		},
		Unsub: func(msg *inter.UnsubMsg) error {
			m.setSubscribed(msg.Topic, false)
			return nil
		},
		Pub:         m.handlePub,
		NetMsg:      m.handleNetMsg,
		RtcSet:      m.handleRtcSet,
		SelfTest:    m.handleSelfTest,
		RebootInfo:  m.handleRebootInfo,
		NetworkInfo: m.handleNetworkInfo,

		DfuStart:  m.dfu.HandleStart,
		DfuChunk:  m.handleDfuChunk,
		DfuFinish: m.handleDfuFinish,

		CfgGet:        m.handleCfgGet,
		CfgSet:        m.handleCfgSet,
		CfgCommit:     m.handleCfgCommit,
		CfgStatusReq:  m.handleCfgStatusReq,
		CfgDelReq:     m.handleCfgDelReq,
		CfgValue:      func(msg *inter.CfgValueMsg) error { return m.response(msg.SourceNodeID, msg) },
		CfgStatusResp: func(msg *inter.CfgStatusRespMsg) error { return m.response(msg.SourceNodeID, msg) },
		CfgDelResp:    func(msg *inter.CfgDelRespMsg) error { return m.response(msg.SourceNodeID, msg) },

		DeviceInfoReq: m.handleDeviceInfoReq,
		DeviceInfoReply: func(msg *inter.DeviceInfoReplyMsg) error {
			info := msg.DeviceInfoReply
			m.registry.Update(info.NodeID, func(n *inter.NodeInfo) { n.Device = &info })
			return m.response(info.NodeID, msg)
		},
		ResourceReq:   m.handleResourceReq,
		ResourceReply: func(msg *inter.ResourceReplyMsg) error { return m.response(msg.NodeID, msg) },
	}
}

// forMe 目标为本节点或广播 (0)
func (m *NodeManager) forMe(target uint64) bool {
	return target == 0 || target == m.nodeID
}

// seen 刷新节点活跃时间并下发其积压的 NetMsg
func (m *NodeManager) seen(nodeID uint64) error {
	if nodeID == 0 || nodeID == m.nodeID {
		return nil
	}
	m.registry.HandleSeen(nodeID)
	return m.flush(nodeID)
}

func (m *NodeManager) flush(nodeID uint64) error {
	for {
		payload, ok := m.queue.Pop(nodeID)
		if !ok {
			return nil
		}
		if err := m.serial.NetMsg(nodeID, 0, payload); err != nil {
			return fmt.Errorf("下发积压消息到 %016x: %w", nodeID, err)
		}
	}
}

func (m *NodeManager) response(source uint64, msg inter.Message) error {
	if err := m.seen(source); err != nil {
		return err
	}
	if m.onResponse != nil {
		m.onResponse(msg)
	}
	return nil
}

// --- 发布订阅 ---

func (m *NodeManager) setSubscribed(topic string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.subs[topic] = struct{}{}
	} else {
		delete(m.subs, topic)
	}
}

// Subscribed 本节点是否订阅了该主题
func (m *NodeManager) Subscribed(topic string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[topic]
	return ok
}

// Subscribe 订阅主题并通知对端
func (m *NodeManager) Subscribe(topic string) error {
	if err := m.serial.Sub(topic); err != nil {
		return err
	}
	m.setSubscribed(topic, true)
	return nil
}

func (m *NodeManager) Unsubscribe(topic string) error {
	if err := m.serial.Unsub(topic); err != nil {
		return err
	}
	m.setSubscribed(topic, false)
	return nil
}

// Publish 以本节点身份发布数据，主题记入本地发布表
func (m *NodeManager) Publish(topic string, data []byte, pubType, version uint8) error {
	if err := m.serial.Pub(m.nodeID, topic, data, pubType, version); err != nil {
		return err
	}
	m.mu.Lock()
	m.pubs[topic] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *NodeManager) resources() (pubs, subs []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for t := range m.pubs {
		pubs = append(pubs, t)
	}
	for t := range m.subs {
		subs = append(subs, t)
	}
	slices.Sort(pubs)
	slices.Sort(subs)
	return pubs, subs
}

func (m *NodeManager) handlePub(msg *inter.PubMsg) error {
	if err := m.seen(msg.NodeID); err != nil {
		return err
	}
	if m.onPub == nil || !m.Subscribed(msg.Topic) {
		return nil
	}
	return m.onPub(msg)
}

// --- 节点消息 ---

// SendNetMsg 节点在线时直接发送，否则入队等待其下次出现
func (m *NodeManager) SendNetMsg(nodeID uint64, data []byte) error {
	if status, _ := m.registry.QueryNodeStatus(nodeID); status == inter.StatusOnline {
		return m.serial.NetMsg(nodeID, 0, data)
	}
	return m.queue.Push(nodeID, data)
}

func (m *NodeManager) handleNetMsg(msg *inter.NetMsg) error {
	m.log.Debug("net msg", "node", msg.NodeID, "flags", msg.Flags, "size", len(msg.Data))
	return m.seen(msg.NodeID)
}

func (m *NodeManager) handleRtcSet(msg *inter.RtcSetMsg) error {
	t := msg.Time
	if t.Month < 1 || t.Month > 12 || t.Day < 1 || t.Day > 31 || t.Hour > 23 || t.Minute > 59 || t.Second > 59 {
		return fmt.Errorf("rtc: 无效时间 %+v", t)
	}
	return m.clock.Set(RtcToTime(t))
}

func (m *NodeManager) handleSelfTest(msg *inter.SelfTestMsg) error {
	// node_id 为 0 是自检请求
	if msg.NodeID == 0 {
		var result uint32
		if m.selfTest != nil {
			result = m.selfTest()
		}
		return m.serial.SendSelfTest(m.nodeID, result)
	}
	m.registry.Update(msg.NodeID, func(n *inter.NodeInfo) { n.SelfTestResult = msg.Result })
	return m.flush(msg.NodeID)
}

func (m *NodeManager) handleRebootInfo(msg *inter.RebootInfoMsg) error {
	m.registry.Update(msg.NodeID, func(n *inter.NodeInfo) {
		n.RebootReason = msg.RebootReason
		n.RebootCount = msg.RebootCount
		n.GitSHA = msg.GitSHA
	})
	m.log.Info("节点重启", "node", msg.NodeID, "reason", msg.RebootReason, "count", msg.RebootCount)
	return m.flush(msg.NodeID)
}

func (m *NodeManager) handleNetworkInfo(msg *inter.NetworkInfoMsg) error {
	for _, id := range msg.NodeIDs {
		if err := m.seen(id); err != nil {
			return err
		}
	}
	return nil
}

// AnnounceNetwork 广播本节点视角的网络信息：在线节点、system 分区配置表及其 CRC
func (m *NodeManager) AnnounceNetwork() error {
	nodes := append([]uint64{m.nodeID}, m.registry.OnlineNodes()...)
	slices.Sort(nodes)

	configMap, err := m.store.ConfigMap(inter.PartitionSystem)
	if err != nil {
		return err
	}
	configCRC := &inter.ConfigCRC{
		Partition: uint32(inter.PartitionSystem),
		CRC32:     crc32.ChecksumIEEE(configMap),
	}
	fw := m.fw
	return m.serial.SendNetworkInfo(NetworkCRC32(nodes), configCRC, &fw, nodes, configMap)
}

// NetworkCRC32 对升序节点列表计算拓扑摘要
func NetworkCRC32(nodes []uint64) uint32 {
	buf := make([]byte, 8*len(nodes))
	for i, id := range nodes {
		binary.LittleEndian.PutUint64(buf[8*i:], id)
	}
	return crc32.ChecksumIEEE(buf)
}

// --- 固件升级 ---

// StartDfu 向目标节点发送固件镜像，之后由对端 NAK 驱动重传
func (m *NodeManager) StartDfu(img *protocol.DfuImage) error {
	sender, err := protocol.NewDfuSender(m.serial, img)
	if err != nil {
		return err
	}
	m.outMu.Lock()
	if m.outgoing != nil {
		m.outgoing.Stop()
	}
	m.outgoing = sender
	m.outMu.Unlock()
	return sender.Start()
}

// OutgoingDfu 进行中的固件下发，没有时返回 nil
func (m *NodeManager) OutgoingDfu() *protocol.DfuSender {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return m.outgoing
}

func (m *NodeManager) handleDfuChunk(msg *inter.DfuChunkMsg) error {
	if !msg.IsNak() {
		return m.dfu.HandleChunk(msg)
	}
	sender := m.OutgoingDfu()
	if sender == nil {
		return nil
	}
	m.log.Info("对端请求重传", "offset", msg.ByteOffset())
	return sender.Nak(msg.ByteOffset())
}

func (m *NodeManager) handleDfuFinish(msg *inter.DfuFinishMsg) error {
	m.outMu.Lock()
	if m.outgoing != nil {
		if target := m.outgoing.Image().NodeID; target == 0 || target == msg.NodeID {
			m.outgoing.Stop()
			m.outgoing = nil
		}
	}
	m.outMu.Unlock()
	m.log.Info("固件升级结束", "node", msg.NodeID, "success", msg.Success, "status", msg.Status)
	return m.response(msg.NodeID, msg)
}

// --- 配置管理 ---

func (m *NodeManager) handleCfgGet(msg *inter.CfgGetMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	value, err := m.store.Get(msg.Partition, msg.Key)
	if errors.Is(err, inter.ErrConfigKeyNotFound) {
		// 不存在的配置项以空值应答
		return m.serial.CfgValue(m.nodeID, msg.Partition, nil)
	}
	if err != nil {
		return err
	}
	return m.serial.CfgValue(m.nodeID, msg.Partition, value)
}

func (m *NodeManager) handleCfgSet(msg *inter.CfgSetMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	if err := m.store.Set(msg.Partition, msg.Key, msg.Data); err != nil {
		return fmt.Errorf("cfg_set %s/%s: %w", msg.Partition, msg.Key, err)
	}
	return nil
}

func (m *NodeManager) handleCfgCommit(msg *inter.CfgCommitMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	return m.store.Commit(msg.Partition)
}

func (m *NodeManager) handleCfgStatusReq(msg *inter.CfgStatusReqMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	committed, keys, err := m.store.Status(msg.Partition)
	if err != nil {
		return err
	}
	return m.serial.CfgStatusResponse(m.nodeID, msg.Partition, committed, keys)
}

func (m *NodeManager) handleCfgDelReq(msg *inter.CfgDelReqMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	existed, err := m.store.Delete(msg.Partition, msg.Key)
	if err != nil {
		return err
	}
	return m.serial.CfgDeleteResponse(m.nodeID, msg.Partition, msg.Key, existed)
}

// --- 设备信息 ---

func (m *NodeManager) handleDeviceInfoReq(msg *inter.DeviceInfoReqMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	info := m.info
	return m.serial.SendInfoReply(&info)
}

func (m *NodeManager) handleResourceReq(msg *inter.ResourceReqMsg) error {
	if !m.forMe(msg.TargetNodeID) {
		return nil
	}
	pubs, subs := m.resources()
	return m.serial.SendResourceReply(m.nodeID, pubs, subs)
}

// RtcToTime 将 RTC 时间转换为 UTC time.Time
func RtcToTime(t inter.RtcTime) time.Time {
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day),
		int(t.Hour), int(t.Minute), int(t.Second), int(t.USec)*1000, time.UTC)
}

// TimeToRtc 将 time.Time 转换为 UTC 的 RTC 时间
func TimeToRtc(t time.Time) inter.RtcTime {
	t = t.UTC()
	return inter.RtcTime{
		Year:   uint16(t.Year()),
		Month:  uint8(t.Month()),
		Day:    uint8(t.Day()),
		Hour:   uint8(t.Hour()),
		Minute: uint8(t.Minute()),
		Second: uint8(t.Second()),
		USec:   uint32(t.Nanosecond() / 1000),
	}
}
