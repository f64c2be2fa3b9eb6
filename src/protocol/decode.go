package protocol

import (
	"fmt"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// Decode 校验 CRC 并将包解析为对应的报文类型。
// 返回的报文中 []byte 字段引用 packet，调用方在使用完毕前不得复用该缓冲区。
func Decode(packet []byte) (inter.Message, error) {
	p, err := ParsePacket(packet)
	if err != nil {
		return nil, err
	}
	return decodePayload(p.Type, p.Payload)
}

func decodePayload(t inter.MessageType, payload []byte) (inter.Message, error) {
	r := newPayloadReader(payload)
	var msg inter.Message

	switch t {
	case inter.MsgDebug:
		msg = &inter.DebugMsg{Data: r.rest()}

	case inter.MsgLog:
		msg = &inter.LogMsg{Data: r.rest()}

	case inter.MsgPub:
		// 主题长度在固定头之后读取；bytes() 保证 固定头 + topic_len <= 包长，数据长度不会下溢
		m := &inter.PubMsg{}
		m.NodeID = r.u64()
		m.PubType = r.u8()
		m.Version = r.u8()
		m.Topic = r.lenPrefixed()
		m.Data = r.rest()
		msg = m

	case inter.MsgSub:
		msg = &inter.SubMsg{Topic: r.lenPrefixed()}

	case inter.MsgUnsub:
		msg = &inter.UnsubMsg{Topic: r.lenPrefixed()}

	case inter.MsgNetMsg:
		m := &inter.NetMsg{}
		m.NodeID = r.u64()
		m.Flags = r.u8()
		m.Data = r.rest()
		msg = m

	case inter.MsgRtcSet:
		m := &inter.RtcSetMsg{}
		m.Flags = r.u32()
		m.Time = inter.RtcTime{
			Year:   r.u16(),
			Month:  r.u8(),
			Day:    r.u8(),
			Hour:   r.u8(),
			Minute: r.u8(),
			Second: r.u8(),
			USec:   r.u32(),
		}
		msg = m

	case inter.MsgSelfTest:
		msg = &inter.SelfTestMsg{NodeID: r.u64(), Result: r.u32()}

	case inter.MsgRebootInfo:
		msg = &inter.RebootInfoMsg{
			NodeID:       r.u64(),
			RebootReason: r.u32(),
			GitSHA:       r.u32(),
			RebootCount:  r.u32(),
		}

	case inter.MsgNetworkInfo:
		msg = decodeNetworkInfo(r)

	case inter.MsgDfuStart:
		msg = &inter.DfuStartMsg{DfuStart: inter.DfuStart{
			NodeID:    r.u64(),
			ImageSize: r.u32(),
			ChunkSize: r.u16(),
			CRC16:     r.u16(),
			MajorVer:  r.u8(),
			MinorVer:  r.u8(),
			FilterKey: r.u32(),
			GitSHA:    r.u32(),
		}}

	case inter.MsgDfuChunk:
		m := &inter.DfuChunkMsg{}
		m.Offset = r.u32()
		length := r.u32()
		m.Data = r.bytes(int(length))
		msg = m

	case inter.MsgDfuResult:
		msg = &inter.DfuFinishMsg{NodeID: r.u64(), Success: r.boolean(), Status: r.u32()}

	case inter.MsgCfgGet:
		m := &inter.CfgGetMsg{ConfigHeader: readCfgHeader(r)}
		m.Key = r.lenPrefixed()
		msg = m

	case inter.MsgCfgSet:
		m := &inter.CfgSetMsg{ConfigHeader: readCfgHeader(r)}
		keyLen := r.u16()
		dataLen := r.u32()
		m.Key = r.str(int(keyLen))
		m.Data = r.bytes(int(dataLen))
		msg = m

	case inter.MsgCfgValue:
		m := &inter.CfgValueMsg{ConfigHeader: readCfgHeader(r)}
		dataLen := r.u32()
		m.Data = r.bytes(int(dataLen))
		msg = m

	case inter.MsgCfgCommit:
		msg = &inter.CfgCommitMsg{ConfigHeader: readCfgHeader(r)}

	case inter.MsgCfgStatusReq:
		msg = &inter.CfgStatusReqMsg{ConfigHeader: readCfgHeader(r)}

	case inter.MsgCfgStatusResp:
		m := &inter.CfgStatusRespMsg{ConfigHeader: readCfgHeader(r)}
		m.Committed = r.boolean()
		m.Keys = readList(r, int(r.u8()))
		msg = m

	case inter.MsgCfgDelReq:
		m := &inter.CfgDelReqMsg{ConfigHeader: readCfgHeader(r)}
		m.Key = r.lenPrefixed()
		msg = m

	case inter.MsgCfgDelResp:
		m := &inter.CfgDelRespMsg{ConfigHeader: readCfgHeader(r)}
		m.Success = r.boolean()
		m.Key = r.lenPrefixed()
		msg = m

	case inter.MsgDeviceInfoReq:
		msg = &inter.DeviceInfoReqMsg{TargetNodeID: r.u64()}

	case inter.MsgDeviceInfoReply:
		msg = decodeDeviceInfoReply(r)

	case inter.MsgResourceReq:
		msg = &inter.ResourceReqMsg{TargetNodeID: r.u64()}

	case inter.MsgResourceReply:
		m := &inter.ResourceReplyMsg{}
		m.NodeID = r.u64()
		numPubs := int(r.u16())
		numSubs := int(r.u16())
		m.Pubs = readList(r, numPubs)
		m.Subs = readList(r, numSubs)
		msg = m

	default:
		return nil, fmt.Errorf("%w: 0x%02X", inter.ErrUnsupportedMessage, uint8(t))
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", t, r.err)
	}
	return msg, nil
}

func readCfgHeader(r *payloadReader) inter.ConfigHeader {
	return inter.ConfigHeader{
		TargetNodeID: r.u64(),
		SourceNodeID: r.u64(),
		Partition:    inter.ConfigPartition(r.u8()),
	}
}

// readList 按字节偏移逐条遍历 u16 长度前缀的条目，各条目宽度不同
func readList(r *payloadReader, n int) []string {
	if n == 0 {
		return nil
	}
	// 每条至少 2 字节，先校验再预分配，伪造的数量不会触发大块分配
	if !r.need(n * listEntryHeader) {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.lenPrefixed())
		if r.err != nil {
			return nil
		}
	}
	return out
}

func decodeNetworkInfo(r *payloadReader) *inter.NetworkInfoMsg {
	m := &inter.NetworkInfoMsg{}
	m.NetworkCRC32 = r.u32()
	m.ConfigCRC = inter.ConfigCRC{Partition: r.u32(), CRC32: r.u32()}
	m.FwInfo = inter.FwVersion{Major: r.u8(), Minor: r.u8(), Revision: r.u8(), GitSHA: r.u32()}
	numNodes := int(r.u16())
	if r.need(numNodes * 8) {
		m.NodeIDs = make([]uint64, numNodes)
		for i := range m.NodeIDs {
			m.NodeIDs[i] = r.u64()
		}
	}
	mapLen := int(r.u16())
	m.ConfigMap = r.bytes(mapLen)
	return m
}

func decodeDeviceInfoReply(r *payloadReader) *inter.DeviceInfoReplyMsg {
	m := &inter.DeviceInfoReplyMsg{}
	info := &m.DeviceInfoReply
	info.NodeID = r.u64()
	info.VendorID = r.u16()
	info.ProductID = r.u16()
	copy(info.SerialNum[:], r.bytes(inter.SerialNumLen))
	info.GitSHA = r.u32()
	info.VerMajor = r.u8()
	info.VerMinor = r.u8()
	info.VerRev = r.u8()
	info.VerHw = r.u8()
	verLen := int(r.u8())
	nameLen := int(r.u8())
	info.VersionString = r.str(verLen)
	info.DeviceName = r.str(nameLen)
	return m
}
