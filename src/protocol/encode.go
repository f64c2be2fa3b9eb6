package protocol

import (
	"fmt"
	"math"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// 各报文固定部分长度 (不含变长尾部)
const (
	pubHeaderSize       = 8 + 1 + 1 + 2
	subHeaderSize       = 2
	netMsgHeaderSize    = 8 + 1
	rtcSetSize          = 4 + 2 + 5 + 4
	selfTestSize        = 8 + 4
	rebootInfoSize      = 8 + 4 + 4 + 4
	dfuStartSize        = 8 + 4 + 2 + 2 + 1 + 1 + 4 + 4
	dfuChunkHeaderSize  = 4 + 4
	dfuFinishSize       = 8 + 1 + 4
	cfgHeaderSize       = 8 + 8 + 1
	cfgKeyHeaderSize    = cfgHeaderSize + 2
	cfgSetHeaderSize    = cfgHeaderSize + 2 + 4
	cfgValueHeaderSize  = cfgHeaderSize + 4
	cfgStatusHeaderSize = cfgHeaderSize + 1 + 1
	cfgDelRespHeader    = cfgHeaderSize + 1 + 2
	networkInfoFixed    = 4 + (4 + 4) + (1 + 1 + 1 + 4) + 2
	nodeRequestSize     = 8
	deviceInfoFixed     = 8 + 2 + 2 + inter.SerialNumLen + 4 + 4 + 1 + 1
	resourceReplyFixed  = 8 + 2 + 2
	listEntryHeader     = 2
)

func validateTopic(topic string) error {
	if topic == "" {
		return inter.ErrNullBuffer
	}
	if len(topic) > inter.MaxTopicLen {
		return fmt.Errorf("%w: 主题长度 %d 超过 %d", inter.ErrOverflow, len(topic), inter.MaxTopicLen)
	}
	return nil
}

func fitsU16(name string, n int) error {
	if n > math.MaxUint16 {
		return fmt.Errorf("%w: %s 长度 %d 超出 u16", inter.ErrOverflow, name, n)
	}
	return nil
}

func fitsU8(name string, n int) error {
	if n > math.MaxUint8 {
		return fmt.Errorf("%w: %s 数量 %d 超出 u8", inter.ErrOverflow, name, n)
	}
	return nil
}

// Tx 发送原始载荷
func (s *BmSerial) Tx(t inter.MessageType, payload []byte) error {
	if payload == nil {
		return s.reject(t, inter.ErrNullBuffer)
	}
	return s.send(t, len(payload), func(w *packetWriter) {
		w.bytes(payload)
	})
}

func (s *BmSerial) Debug(data []byte) error {
	return s.Tx(inter.MsgDebug, data)
}

func (s *BmSerial) Log(data []byte) error {
	return s.Tx(inter.MsgLog, data)
}

// Pub 向主题发布数据，数据长度由包长推导
func (s *BmSerial) Pub(nodeID uint64, topic string, data []byte, pubType, version uint8) error {
	if err := validateTopic(topic); err != nil {
		return s.reject(inter.MsgPub, err)
	}
	return s.send(inter.MsgPub, pubHeaderSize+len(topic)+len(data), func(w *packetWriter) {
		w.u64(nodeID)
		w.u8(pubType)
		w.u8(version)
		w.lenPrefixed(topic)
		w.bytes(data)
	})
}

func (s *BmSerial) Sub(topic string) error {
	return s.subUnsub(inter.MsgSub, topic)
}

func (s *BmSerial) Unsub(topic string) error {
	return s.subUnsub(inter.MsgUnsub, topic)
}

func (s *BmSerial) subUnsub(t inter.MessageType, topic string) error {
	if err := validateTopic(topic); err != nil {
		return s.reject(t, err)
	}
	return s.send(t, subHeaderSize+len(topic), func(w *packetWriter) {
		w.lenPrefixed(topic)
	})
}

func (s *BmSerial) NetMsg(nodeID uint64, flags uint8, data []byte) error {
	return s.send(inter.MsgNetMsg, netMsgHeaderSize+len(data), func(w *packetWriter) {
		w.u64(nodeID)
		w.u8(flags)
		w.bytes(data)
	})
}

// SetRTC 设置对端 RTC
func (s *BmSerial) SetRTC(flags uint32, t *inter.RtcTime) error {
	if t == nil {
		return s.reject(inter.MsgRtcSet, inter.ErrMisc)
	}
	return s.send(inter.MsgRtcSet, rtcSetSize, func(w *packetWriter) {
		w.u32(flags)
		w.u16(t.Year)
		w.u8(t.Month)
		w.u8(t.Day)
		w.u8(t.Hour)
		w.u8(t.Minute)
		w.u8(t.Second)
		w.u32(t.USec)
	})
}

// SendNetworkInfo 发送网络拓扑信息，nodeIDs 不能为空
func (s *BmSerial) SendNetworkInfo(networkCRC32 uint32, configCRC *inter.ConfigCRC, fwInfo *inter.FwVersion, nodeIDs []uint64, cborConfigMap []byte) error {
	if configCRC == nil || fwInfo == nil || len(nodeIDs) == 0 {
		return s.reject(inter.MsgNetworkInfo, inter.ErrMisc)
	}
	if err := fitsU16("num_nodes", len(nodeIDs)); err != nil {
		return s.reject(inter.MsgNetworkInfo, err)
	}
	if err := fitsU16("config_map", len(cborConfigMap)); err != nil {
		return s.reject(inter.MsgNetworkInfo, err)
	}
	size := networkInfoFixed + 8*len(nodeIDs) + 2 + len(cborConfigMap)
	return s.send(inter.MsgNetworkInfo, size, func(w *packetWriter) {
		w.u32(networkCRC32)
		w.u32(configCRC.Partition)
		w.u32(configCRC.CRC32)
		w.u8(fwInfo.Major)
		w.u8(fwInfo.Minor)
		w.u8(fwInfo.Revision)
		w.u32(fwInfo.GitSHA)
		w.u16(uint16(len(nodeIDs)))
		for _, id := range nodeIDs {
			w.u64(id)
		}
		w.u16(uint16(len(cborConfigMap)))
		w.bytes(cborConfigMap)
	})
}

// SendSelfTest nodeID 为 0 表示请求对端执行自检
func (s *BmSerial) SendSelfTest(nodeID uint64, result uint32) error {
	return s.send(inter.MsgSelfTest, selfTestSize, func(w *packetWriter) {
		w.u64(nodeID)
		w.u32(result)
	})
}

func (s *BmSerial) SendRebootInfo(nodeID uint64, reason, gitSHA, count uint32) error {
	return s.send(inter.MsgRebootInfo, rebootInfoSize, func(w *packetWriter) {
		w.u64(nodeID)
		w.u32(reason)
		w.u32(gitSHA)
		w.u32(count)
	})
}

func (s *BmSerial) DfuSendStart(start *inter.DfuStart) error {
	if start == nil {
		return s.reject(inter.MsgDfuStart, inter.ErrMisc)
	}
	return s.send(inter.MsgDfuStart, dfuStartSize, func(w *packetWriter) {
		w.u64(start.NodeID)
		w.u32(start.ImageSize)
		w.u16(start.ChunkSize)
		w.u16(start.CRC16)
		w.u8(start.MajorVer)
		w.u8(start.MinorVer)
		w.u32(start.FilterKey)
		w.u32(start.GitSHA)
	})
}

// DfuSendChunk 发送固件数据块。
// offset 置 DfuChunkNakFlag 时表示请求对端从该偏移重传，此时 data 通常为空。
func (s *BmSerial) DfuSendChunk(offset uint32, data []byte) error {
	return s.send(inter.MsgDfuChunk, dfuChunkHeaderSize+len(data), func(w *packetWriter) {
		w.u32(offset)
		w.u32(uint32(len(data)))
		w.bytes(data)
	})
}

func (s *BmSerial) DfuSendFinish(nodeID uint64, success bool, status uint32) error {
	return s.send(inter.MsgDfuResult, dfuFinishSize, func(w *packetWriter) {
		w.u64(nodeID)
		w.boolean(success)
		w.u32(status)
	})
}

// --- 配置管理 ---
// 请求类报文以 nodeID 作为目标节点，应答类报文以 nodeID 作为源节点

func writeCfgHeader(w *packetWriter, target, source uint64, partition inter.ConfigPartition) {
	w.u64(target)
	w.u64(source)
	w.u8(uint8(partition))
}

func (s *BmSerial) CfgGet(nodeID uint64, partition inter.ConfigPartition, key string) error {
	return s.cfgKeyRequest(inter.MsgCfgGet, nodeID, partition, key)
}

func (s *BmSerial) CfgDeleteRequest(nodeID uint64, partition inter.ConfigPartition, key string) error {
	return s.cfgKeyRequest(inter.MsgCfgDelReq, nodeID, partition, key)
}

func (s *BmSerial) cfgKeyRequest(t inter.MessageType, nodeID uint64, partition inter.ConfigPartition, key string) error {
	if err := fitsU16("key", len(key)); err != nil {
		return s.reject(t, err)
	}
	return s.send(t, cfgKeyHeaderSize+len(key), func(w *packetWriter) {
		writeCfgHeader(w, nodeID, 0, partition)
		w.lenPrefixed(key)
	})
}

// CfgSet key 与 value 连续存放，长度分别由 key_len / data_len 给出
func (s *BmSerial) CfgSet(nodeID uint64, partition inter.ConfigPartition, key string, value []byte) error {
	if err := fitsU16("key", len(key)); err != nil {
		return s.reject(inter.MsgCfgSet, err)
	}
	return s.send(inter.MsgCfgSet, cfgSetHeaderSize+len(key)+len(value), func(w *packetWriter) {
		writeCfgHeader(w, nodeID, 0, partition)
		w.u16(uint16(len(key)))
		w.u32(uint32(len(value)))
		w.str(key)
		w.bytes(value)
	})
}

func (s *BmSerial) CfgValue(nodeID uint64, partition inter.ConfigPartition, data []byte) error {
	return s.send(inter.MsgCfgValue, cfgValueHeaderSize+len(data), func(w *packetWriter) {
		writeCfgHeader(w, 0, nodeID, partition)
		w.u32(uint32(len(data)))
		w.bytes(data)
	})
}

func (s *BmSerial) CfgCommit(nodeID uint64, partition inter.ConfigPartition) error {
	return s.send(inter.MsgCfgCommit, cfgHeaderSize, func(w *packetWriter) {
		writeCfgHeader(w, nodeID, 0, partition)
	})
}

func (s *BmSerial) CfgStatusRequest(nodeID uint64, partition inter.ConfigPartition) error {
	return s.send(inter.MsgCfgStatusReq, cfgHeaderSize, func(w *packetWriter) {
		writeCfgHeader(w, nodeID, 0, partition)
	})
}

// CfgStatusResponse 先遍历 keys 计算总长，再依次拷贝
func (s *BmSerial) CfgStatusResponse(nodeID uint64, partition inter.ConfigPartition, committed bool, keys []string) error {
	if err := fitsU8("num_keys", len(keys)); err != nil {
		return s.reject(inter.MsgCfgStatusResp, err)
	}
	size, err := listSize(keys)
	if err != nil {
		return s.reject(inter.MsgCfgStatusResp, err)
	}
	return s.send(inter.MsgCfgStatusResp, cfgStatusHeaderSize+size, func(w *packetWriter) {
		writeCfgHeader(w, 0, nodeID, partition)
		w.boolean(committed)
		w.u8(uint8(len(keys)))
		for _, k := range keys {
			w.lenPrefixed(k)
		}
	})
}

func (s *BmSerial) CfgDeleteResponse(nodeID uint64, partition inter.ConfigPartition, key string, success bool) error {
	if err := fitsU16("key", len(key)); err != nil {
		return s.reject(inter.MsgCfgDelResp, err)
	}
	return s.send(inter.MsgCfgDelResp, cfgDelRespHeader+len(key), func(w *packetWriter) {
		writeCfgHeader(w, 0, nodeID, partition)
		w.boolean(success)
		w.lenPrefixed(key)
	})
}

// --- 设备信息与资源表 ---

func (s *BmSerial) SendInfoRequest(nodeID uint64) error {
	return s.send(inter.MsgDeviceInfoReq, nodeRequestSize, func(w *packetWriter) {
		w.u64(nodeID)
	})
}

func (s *BmSerial) SendInfoReply(info *inter.DeviceInfoReply) error {
	if info == nil {
		return s.reject(inter.MsgDeviceInfoReply, inter.ErrMisc)
	}
	if err := fitsU8("version_string", len(info.VersionString)); err != nil {
		return s.reject(inter.MsgDeviceInfoReply, err)
	}
	if err := fitsU8("device_name", len(info.DeviceName)); err != nil {
		return s.reject(inter.MsgDeviceInfoReply, err)
	}
	size := deviceInfoFixed + len(info.VersionString) + len(info.DeviceName)
	return s.send(inter.MsgDeviceInfoReply, size, func(w *packetWriter) {
		w.u64(info.NodeID)
		w.u16(info.VendorID)
		w.u16(info.ProductID)
		w.bytes(info.SerialNum[:])
		w.u32(info.GitSHA)
		w.u8(info.VerMajor)
		w.u8(info.VerMinor)
		w.u8(info.VerRev)
		w.u8(info.VerHw)
		w.u8(uint8(len(info.VersionString)))
		w.u8(uint8(len(info.DeviceName)))
		w.str(info.VersionString)
		w.str(info.DeviceName)
	})
}

func (s *BmSerial) SendResourceRequest(nodeID uint64) error {
	return s.send(inter.MsgResourceReq, nodeRequestSize, func(w *packetWriter) {
		w.u64(nodeID)
	})
}

// SendResourceReply 资源表: 先 pubs 后 subs，逐条带长度前缀
func (s *BmSerial) SendResourceReply(nodeID uint64, pubs, subs []string) error {
	if err := fitsU16("num_pubs", len(pubs)); err != nil {
		return s.reject(inter.MsgResourceReply, err)
	}
	if err := fitsU16("num_subs", len(subs)); err != nil {
		return s.reject(inter.MsgResourceReply, err)
	}
	pubSize, err := listSize(pubs)
	if err != nil {
		return s.reject(inter.MsgResourceReply, err)
	}
	subSize, err := listSize(subs)
	if err != nil {
		return s.reject(inter.MsgResourceReply, err)
	}
	return s.send(inter.MsgResourceReply, resourceReplyFixed+pubSize+subSize, func(w *packetWriter) {
		w.u64(nodeID)
		w.u16(uint16(len(pubs)))
		w.u16(uint16(len(subs)))
		for _, p := range pubs {
			w.lenPrefixed(p)
		}
		for _, sub := range subs {
			w.lenPrefixed(sub)
		}
	})
}

// listSize 计算 u16 长度前缀列表的编码长度
func listSize(entries []string) (int, error) {
	total := 0
	for _, e := range entries {
		if err := fitsU16("entry", len(e)); err != nil {
			return 0, err
		}
		total += listEntryHeader + len(e)
	}
	return total, nil
}
