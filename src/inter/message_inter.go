package inter

// =============================================================================
// 报文载荷定义
// 解码得到的 []byte 字段引用接收缓冲区，回调返回后不应继续持有
// =============================================================================

// Message 解码后的报文，每种报文类型对应一个实现
type Message interface {
	Type() MessageType
}

type DebugMsg struct {
	Data []byte
}

type LogMsg struct {
	Data []byte
}

type PubMsg struct {
	NodeID  uint64
	PubType uint8
	Version uint8
	Topic   string
	Data    []byte
}

type SubMsg struct {
	Topic string
}

type UnsubMsg struct {
	Topic string
}

type NetMsg struct {
	NodeID uint64
	Flags  uint8
	Data   []byte
}

// RtcTime 对应设备 RTC 的时间结构
type RtcTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
	USec   uint32
}

type RtcSetMsg struct {
	Flags uint32
	Time  RtcTime
}

type SelfTestMsg struct {
	NodeID uint64
	Result uint32
}

type RebootInfoMsg struct {
	NodeID       uint64
	RebootReason uint32
	GitSHA       uint32
	RebootCount  uint32
}

// DfuStart 固件升级起始描述
type DfuStart struct {
	NodeID    uint64
	ImageSize uint32
	ChunkSize uint16
	CRC16     uint16
	MajorVer  uint8
	MinorVer  uint8
	FilterKey uint32
	GitSHA    uint32
}

type DfuStartMsg struct {
	DfuStart
}

type DfuChunkMsg struct {
	// Offset 原始偏移字段 (可能带 NAK 标志位)
	Offset uint32
	Data   []byte
}

// IsNak 是否为重传请求
func (m *DfuChunkMsg) IsNak() bool {
	return m.Offset&DfuChunkNakFlag != 0
}

// ByteOffset 去掉 NAK 标志后的字节偏移
func (m *DfuChunkMsg) ByteOffset() uint32 {
	return m.Offset &^ DfuChunkNakFlag
}

type DfuFinishMsg struct {
	NodeID  uint64
	Success bool
	Status  uint32
}

// ConfigHeader 配置类报文的路由头
type ConfigHeader struct {
	TargetNodeID uint64
	SourceNodeID uint64
	Partition    ConfigPartition
}

type CfgGetMsg struct {
	ConfigHeader
	Key string
}

type CfgSetMsg struct {
	ConfigHeader
	Key  string
	Data []byte
}

type CfgValueMsg struct {
	ConfigHeader
	Data []byte
}

type CfgCommitMsg struct {
	ConfigHeader
}

type CfgStatusReqMsg struct {
	ConfigHeader
}

type CfgStatusRespMsg struct {
	ConfigHeader
	Committed bool
	Keys      []string
}

type CfgDelReqMsg struct {
	ConfigHeader
	Key string
}

type CfgDelRespMsg struct {
	ConfigHeader
	Success bool
	Key     string
}

// ConfigCRC 配置分区的 CRC 摘要
type ConfigCRC struct {
	Partition uint32
	CRC32     uint32
}

// FwVersion 固件版本信息
type FwVersion struct {
	Major    uint8
	Minor    uint8
	Revision uint8
	GitSHA   uint32
}

type NetworkInfoMsg struct {
	NetworkCRC32 uint32
	ConfigCRC    ConfigCRC
	FwInfo       FwVersion
	NodeIDs      []uint64
	// ConfigMap CBOR 编码的配置表
	ConfigMap []byte
}

type DeviceInfoReqMsg struct {
	TargetNodeID uint64
}

// DeviceInfoReply 设备信息应答
type DeviceInfoReply struct {
	NodeID        uint64
	VendorID      uint16
	ProductID     uint16
	SerialNum     [SerialNumLen]byte
	GitSHA        uint32
	VerMajor      uint8
	VerMinor      uint8
	VerRev        uint8
	VerHw         uint8
	VersionString string
	DeviceName    string
}

type DeviceInfoReplyMsg struct {
	DeviceInfoReply
}

type ResourceReqMsg struct {
	TargetNodeID uint64
}

type ResourceReplyMsg struct {
	NodeID uint64
	Pubs   []string
	Subs   []string
}

func (*DebugMsg) Type() MessageType           { return MsgDebug }
func (*LogMsg) Type() MessageType             { return MsgLog }
func (*PubMsg) Type() MessageType             { return MsgPub }
func (*SubMsg) Type() MessageType             { return MsgSub }
func (*UnsubMsg) Type() MessageType           { return MsgUnsub }
func (*NetMsg) Type() MessageType             { return MsgNetMsg }
func (*RtcSetMsg) Type() MessageType          { return MsgRtcSet }
func (*SelfTestMsg) Type() MessageType        { return MsgSelfTest }
func (*RebootInfoMsg) Type() MessageType      { return MsgRebootInfo }
func (*DfuStartMsg) Type() MessageType        { return MsgDfuStart }
func (*DfuChunkMsg) Type() MessageType        { return MsgDfuChunk }
func (*DfuFinishMsg) Type() MessageType       { return MsgDfuResult }
func (*CfgGetMsg) Type() MessageType          { return MsgCfgGet }
func (*CfgSetMsg) Type() MessageType          { return MsgCfgSet }
func (*CfgValueMsg) Type() MessageType        { return MsgCfgValue }
func (*CfgCommitMsg) Type() MessageType       { return MsgCfgCommit }
func (*CfgStatusReqMsg) Type() MessageType    { return MsgCfgStatusReq }
func (*CfgStatusRespMsg) Type() MessageType   { return MsgCfgStatusResp }
func (*CfgDelReqMsg) Type() MessageType       { return MsgCfgDelReq }
func (*CfgDelRespMsg) Type() MessageType      { return MsgCfgDelResp }
func (*NetworkInfoMsg) Type() MessageType     { return MsgNetworkInfo }
func (*DeviceInfoReqMsg) Type() MessageType   { return MsgDeviceInfoReq }
func (*DeviceInfoReplyMsg) Type() MessageType { return MsgDeviceInfoReply }
func (*ResourceReqMsg) Type() MessageType     { return MsgResourceReq }
func (*ResourceReplyMsg) Type() MessageType   { return MsgResourceReply }

// Callbacks 回调表。
// Tx 为所有编码路径必需；其余回调为 nil 时对应报文被静默忽略。
type Callbacks struct {
	Tx TxFunc

	Debug       func(m *DebugMsg) error
	Log         func(m *LogMsg) error
	Pub         func(m *PubMsg) error
	Sub         func(m *SubMsg) error
	Unsub       func(m *UnsubMsg) error
	NetMsg      func(m *NetMsg) error
	RtcSet      func(m *RtcSetMsg) error
	SelfTest    func(m *SelfTestMsg) error
	RebootInfo  func(m *RebootInfoMsg) error
	NetworkInfo func(m *NetworkInfoMsg) error

	DfuStart  func(m *DfuStartMsg) error
	DfuChunk  func(m *DfuChunkMsg) error
	DfuFinish func(m *DfuFinishMsg) error

	CfgGet        func(m *CfgGetMsg) error
	CfgSet        func(m *CfgSetMsg) error
	CfgValue      func(m *CfgValueMsg) error
	CfgCommit     func(m *CfgCommitMsg) error
	CfgStatusReq  func(m *CfgStatusReqMsg) error
	CfgStatusResp func(m *CfgStatusRespMsg) error
	CfgDelReq     func(m *CfgDelReqMsg) error
	CfgDelResp    func(m *CfgDelRespMsg) error

	DeviceInfoReq   func(m *DeviceInfoReqMsg) error
	DeviceInfoReply func(m *DeviceInfoReplyMsg) error
	ResourceReq     func(m *ResourceReqMsg) error
	ResourceReply   func(m *ResourceReplyMsg) error
}
