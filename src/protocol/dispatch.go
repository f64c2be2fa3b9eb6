package protocol

import (
	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// Process 校验并分发一个完整的包。
// CRC 或长度校验失败时不调用任何回调；未注册回调的报文视为成功。
// 回调返回的错误原样返回给调用方。
func (s *BmSerial) Process(packet []byte) (err error) {
	t := inter.MessageType(0xFF)
	if len(packet) > 0 {
		t = inter.MessageType(packet[0])
	}
	defer func() { s.observeDecoded(t, len(packet), err) }()

	msg, err := Decode(packet)
	if err != nil {
		return err
	}
	return Dispatch(s.callbacks(), msg)
}

// Dispatch 将已解码的报文交给对应回调
func Dispatch(cb inter.Callbacks, msg inter.Message) error {
	switch m := msg.(type) {
	case *inter.DebugMsg:
		return call(cb.Debug, m)
	case *inter.LogMsg:
		return call(cb.Log, m)
	case *inter.PubMsg:
		return call(cb.Pub, m)
	case *inter.SubMsg:
		return call(cb.Sub, m)
	case *inter.UnsubMsg:
		return call(cb.Unsub, m)
	case *inter.NetMsg:
		return call(cb.NetMsg, m)
	case *inter.RtcSetMsg:
		return call(cb.RtcSet, m)
	case *inter.SelfTestMsg:
		return call(cb.SelfTest, m)
	case *inter.RebootInfoMsg:
		return call(cb.RebootInfo, m)
	case *inter.NetworkInfoMsg:
		return call(cb.NetworkInfo, m)
	case *inter.DfuStartMsg:
		return call(cb.DfuStart, m)
	case *inter.DfuChunkMsg:
		return call(cb.DfuChunk, m)
	case *inter.DfuFinishMsg:
		return call(cb.DfuFinish, m)
	case *inter.CfgGetMsg:
		return call(cb.CfgGet, m)
	case *inter.CfgSetMsg:
		return call(cb.CfgSet, m)
	case *inter.CfgValueMsg:
		return call(cb.CfgValue, m)
	case *inter.CfgCommitMsg:
		return call(cb.CfgCommit, m)
	case *inter.CfgStatusReqMsg:
		return call(cb.CfgStatusReq, m)
	case *inter.CfgStatusRespMsg:
		return call(cb.CfgStatusResp, m)
	case *inter.CfgDelReqMsg:
		return call(cb.CfgDelReq, m)
	case *inter.CfgDelRespMsg:
		return call(cb.CfgDelResp, m)
	case *inter.DeviceInfoReqMsg:
		return call(cb.DeviceInfoReq, m)
	case *inter.DeviceInfoReplyMsg:
		return call(cb.DeviceInfoReply, m)
	case *inter.ResourceReqMsg:
		return call(cb.ResourceReq, m)
	case *inter.ResourceReplyMsg:
		return call(cb.ResourceReply, m)
	default:
		return inter.ErrUnsupportedMessage
	}
}

func call[M inter.Message](fn func(M) error, m M) error {
	if fn == nil {
		return nil
	}
	return fn(m)
}
