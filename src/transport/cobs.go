package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdgendt/cobs"
)

// ErrFrameCorrupt COBS 帧格式错误
var ErrFrameCorrupt = errors.New("transport: COBS 帧损坏")

// FrameDelimiter 帧分隔符，编码后的帧内不会出现该字节
const FrameDelimiter = cobs.Delimiter

// EncodeFrame 对一个包做 COBS 编码，结果以分隔符结尾
func EncodeFrame(packet []byte) ([]byte, error) {
	return cobs.Encode(packet, cobs.WithDelimiterOnClose(true))
}

// DecodeFrame 解码一个 COBS 帧，末尾分隔符可省略。
// 帧内出现分隔符、最后一组不完整或解码结果为空时返回 ErrFrameCorrupt。
func DecodeFrame(frame []byte) ([]byte, error) {
	frame = bytes.TrimSuffix(frame, []byte{FrameDelimiter})
	if bytes.IndexByte(frame, FrameDelimiter) >= 0 {
		return nil, fmt.Errorf("%w: %w", ErrFrameCorrupt, cobs.ErrUnexpectedEOD)
	}
	packet, err := cobs.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameCorrupt, err)
	}
	if len(packet) == 0 {
		return nil, ErrFrameCorrupt
	}
	return packet, nil
}
