package inter

import "errors"

// 协议层错误分类，调用方通过 errors.Is 判断
var (
	ErrNullBuffer      = errors.New("bmserial: 缓冲区为空")
	ErrOverflow        = errors.New("bmserial: 长度超出限制")
	ErrMissingCallback = errors.New("bmserial: 未注册发送函数")
	ErrOutOfMemory     = errors.New("bmserial: 发送缓冲区不足")
	ErrTransmitFailed  = errors.New("bmserial: 发送失败")

	ErrCRCMismatch        = errors.New("bmserial: CRC 校验失败")
	ErrUnsupportedMessage = errors.New("bmserial: 不支持的报文类型")
	ErrInvalidLength      = errors.New("bmserial: 长度字段与包长不一致")

	// ErrMisc 报文相关的参数错误 (如必需的结构体为 nil)
	ErrMisc = errors.New("bmserial: 参数无效")
)
