package protocol

import (
	"fmt"
	"sync"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// BmSerial 实现 inter.SerialProtocol 接口
//
// 编码默认每次调用分配新缓冲区，可并发调用。
// 使用 WithScratch 时所有编码共享同一块缓冲区，互斥锁覆盖整个构建与发送过程。
type BmSerial struct {
	mu sync.RWMutex
	cb inter.Callbacks

	maxPacketSize int

	scratchMu sync.Mutex
	scratch   []byte

	observer inter.Observer
}

var _ inter.SerialProtocol = (*BmSerial)(nil)

// Option 配置 BmSerial
type Option func(*BmSerial)

// WithMaxPacketSize 设置单包最大长度 (包头 + 载荷)
func WithMaxPacketSize(n int) Option {
	return func(s *BmSerial) {
		if n > inter.PacketHeaderSize {
			s.maxPacketSize = n
		}
	}
}

// WithScratch 使用调用方提供的预分配缓冲区。
// 发送函数返回后缓冲区会被下一次编码覆盖，发送函数不得持有该切片。
func WithScratch(buf []byte) Option {
	return func(s *BmSerial) {
		s.scratch = buf
	}
}

// WithObserver 注册编解码结果观察者
func WithObserver(o inter.Observer) Option {
	return func(s *BmSerial) {
		s.observer = o
	}
}

// NewBmSerial 创建一个新的协议实例
func NewBmSerial(opts ...Option) *BmSerial {
	s := &BmSerial{maxPacketSize: inter.DefaultMaxPacketSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCallbacks 整体替换回调表
func (s *BmSerial) SetCallbacks(cb inter.Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// MaxPacketSize 返回单包最大长度
func (s *BmSerial) MaxPacketSize() int {
	return s.maxPacketSize
}

func (s *BmSerial) callbacks() inter.Callbacks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cb
}

// acquire 获取长度为 size 的发送缓冲区
func (s *BmSerial) acquire(size int) ([]byte, func(), error) {
	if s.scratch == nil {
		return make([]byte, size), func() {}, nil
	}
	s.scratchMu.Lock()
	if len(s.scratch) < size {
		s.scratchMu.Unlock()
		return nil, nil, fmt.Errorf("%w: 需要 %d 字节, 共享缓冲区 %d 字节", inter.ErrOutOfMemory, size, len(s.scratch))
	}
	buf := s.scratch[:size]
	clear(buf)
	return buf, s.scratchMu.Unlock, nil
}

// send 构建并发送一个包。
// payloadLen 必须等于 fill 写入的字节数；任一检查失败时发送函数不会被调用。
func (s *BmSerial) send(t inter.MessageType, payloadLen int, fill func(w *packetWriter)) (err error) {
	total := inter.PacketHeaderSize + payloadLen
	defer func() { s.observeEncoded(t, total, err) }()

	if total > s.maxPacketSize {
		return fmt.Errorf("%w: 包长 %d 超过上限 %d", inter.ErrOverflow, total, s.maxPacketSize)
	}
	tx := s.callbacks().Tx
	if tx == nil {
		return inter.ErrMissingCallback
	}

	buf, release, err := s.acquire(total)
	if err != nil {
		return err
	}
	defer release()

	w := &packetWriter{buf: buf}
	w.u8(uint8(t))
	w.u8(0) // flags
	w.u16(0)
	fill(w)
	if w.off != total {
		return fmt.Errorf("%w: %s 写入 %d 字节, 预计 %d", inter.ErrMisc, t, w.off, total)
	}
	stampCRC(buf)

	if err := tx(buf); err != nil {
		return fmt.Errorf("%w: %w", inter.ErrTransmitFailed, err)
	}
	return nil
}

// reject 记录并返回参数校验错误
func (s *BmSerial) reject(t inter.MessageType, err error) error {
	s.observeEncoded(t, 0, err)
	return err
}

func (s *BmSerial) observeEncoded(t inter.MessageType, size int, err error) {
	if s.observer != nil {
		s.observer.Encoded(t, size, err)
	}
}

func (s *BmSerial) observeDecoded(t inter.MessageType, size int, err error) {
	if s.observer != nil {
		s.observer.Decoded(t, size, err)
	}
}
