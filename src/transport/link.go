package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nhirsama/Goster-Mesh/src/logger"
)

// PacketHandler 处理一个完整的包，通常为 BmSerial.Process
type PacketHandler func(packet []byte) error

// FrameObserver 链路层帧统计
type FrameObserver interface {
	FrameReceived()
	FrameDropped()
}

// Link 在字节流上以 COBS + 0x00 分隔的方式收发包
type Link struct {
	rw       io.ReadWriter
	handler  PacketHandler
	maxFrame int
	log      *logger.Logger
	observer FrameObserver

	writeMu sync.Mutex
}

type LinkOption func(*Link)

// WithMaxFrame 设置单帧最大长度 (编码后)，超长帧被整体丢弃
func WithMaxFrame(n int) LinkOption {
	return func(l *Link) {
		if n > 0 {
			l.maxFrame = n
		}
	}
}

func WithLogger(log *logger.Logger) LinkOption {
	return func(l *Link) {
		l.log = log
	}
}

func WithFrameObserver(o FrameObserver) LinkOption {
	return func(l *Link) {
		l.observer = o
	}
}

// NewLink 创建链路。handler 可为 nil，此时接收到的包被丢弃。
func NewLink(rw io.ReadWriter, handler PacketHandler, opts ...LinkOption) *Link {
	l := &Link{
		rw:       rw,
		handler:  handler,
		maxFrame: 4096,
		log:      logger.NewLogger("link"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Send 编码并写出一个包，可作为 inter.TxFunc 使用。
// 写操作加锁串行化，多个编码协程不会交错写入同一帧。
func (l *Link) Send(packet []byte) error {
	frame, err := EncodeFrame(packet)
	if err != nil {
		return fmt.Errorf("transport: 编码失败: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.rw.Write(frame); err != nil {
		return fmt.Errorf("transport: 写入失败: %w", err)
	}
	return nil
}

// Run 持续读取并分帧，直到 ctx 取消或底层读取出错。
// ctx 取消时若底层实现了 io.Closer 则将其关闭以唤醒阻塞的读取。
// 单帧处理失败只记录日志，不中断读取循环。
func (l *Link) Run(ctx context.Context) error {
	if c, ok := l.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	var pending []byte
	discarding := false
	buf := make([]byte, 512)
	for {
		n, err := l.rw.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for len(chunk) > 0 {
				idx := bytes.IndexByte(chunk, FrameDelimiter)
				if idx < 0 {
					if !discarding {
						pending = append(pending, chunk...)
						if len(pending) > l.maxFrame {
							l.drop("帧超长", nil, len(pending))
							pending = pending[:0]
							discarding = true
						}
					}
					break
				}
				if !discarding {
					pending = append(pending, chunk[:idx]...)
					l.frame(pending)
				}
				pending = pending[:0]
				discarding = false
				chunk = chunk[idx+1:]
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: 读取失败: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Link) frame(encoded []byte) {
	if len(encoded) == 0 {
		return
	}
	if len(encoded) > l.maxFrame {
		l.drop("帧超长", nil, len(encoded))
		return
	}
	packet, err := DecodeFrame(encoded)
	if err != nil {
		l.drop("帧解码失败", err, len(encoded))
		return
	}
	if l.observer != nil {
		l.observer.FrameReceived()
	}
	if l.handler == nil {
		return
	}
	if err := l.handler(packet); err != nil {
		l.log.Warn("包处理失败", "error", err.Error(), "size", len(packet))
	}
}

func (l *Link) drop(reason string, err error, size int) {
	if l.observer != nil {
		l.observer.FrameDropped()
	}
	l.log.Error(reason, err, "size", size)
}
