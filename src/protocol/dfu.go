package protocol

import (
	"fmt"
	"math"
	"sync"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// DfuImage 待下发的固件镜像
type DfuImage struct {
	NodeID    uint64
	Data      []byte
	ChunkSize uint16
	MajorVer  uint8
	MinorVer  uint8
	FilterKey uint32
	GitSHA    uint32
}

// Start 生成镜像对应的 DfuStart 描述，CRC 与包校验使用同一算法
func (img *DfuImage) Start() (*inter.DfuStart, error) {
	if len(img.Data) == 0 || img.ChunkSize == 0 {
		return nil, inter.ErrMisc
	}
	if uint64(len(img.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: 镜像 %d 字节", inter.ErrOverflow, len(img.Data))
	}
	return &inter.DfuStart{
		NodeID:    img.NodeID,
		ImageSize: uint32(len(img.Data)),
		ChunkSize: img.ChunkSize,
		CRC16:     Checksum(img.Data),
		MajorVer:  img.MajorVer,
		MinorVer:  img.MinorVer,
		FilterKey: img.FilterKey,
		GitSHA:    img.GitSHA,
	}, nil
}

// SendImage 发送 DfuStart 以及全部数据块。
// 结果由对端通过 DfuResult 报文返回，本层不等待。
func SendImage(s inter.SerialProtocol, img *DfuImage) error {
	sender, err := NewDfuSender(s, img)
	if err != nil {
		return err
	}
	return sender.Start()
}

// DfuSender 按游标顺序发送镜像。
// 发送过程中收到的 NAK 只回退游标；发送结束后收到的 NAK 从请求的偏移开始新一轮发送。
type DfuSender struct {
	s   inter.SerialProtocol
	img *DfuImage

	mu      sync.Mutex
	next    int
	running bool
	stopped bool
	sent    int
}

func NewDfuSender(s inter.SerialProtocol, img *DfuImage) (*DfuSender, error) {
	if _, err := img.Start(); err != nil {
		return nil, err
	}
	if int(img.ChunkSize)+inter.PacketHeaderSize+dfuChunkHeaderSize > maxPacketSizeOf(s) {
		return nil, fmt.Errorf("%w: chunk_size %d 超出单包容量", inter.ErrOverflow, img.ChunkSize)
	}
	return &DfuSender{s: s, img: img}, nil
}

// Image 正在发送的镜像
func (d *DfuSender) Image() *DfuImage { return d.img }

// Start 发送 DfuStart 与全部数据块
func (d *DfuSender) Start() error {
	start, err := d.img.Start()
	if err != nil {
		return err
	}
	if err := d.s.DfuSendStart(start); err != nil {
		return err
	}
	return d.Nak(0)
}

// Nak 处理对端的重传请求。
// 发送中且偏移尚未发出时忽略，偏移已发出时回退游标。
func (d *DfuSender) Nak(offset uint32) error {
	if uint64(offset) > uint64(len(d.img.Data)) {
		return fmt.Errorf("%w: 偏移 %d 超出镜像 %d", inter.ErrOverflow, offset, len(d.img.Data))
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	if d.running {
		if int(offset) < d.next {
			d.next = int(offset)
		}
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.next = int(offset)
	return d.pump()
}

// pump 在持锁状态下进入，发送期间释放锁，对端的同步 NAK 可以回退游标
func (d *DfuSender) pump() error {
	size := int(d.img.ChunkSize)
	for !d.stopped && d.next < len(d.img.Data) {
		off := d.next
		end := min(off+size, len(d.img.Data))
		d.next = end
		d.sent++
		d.mu.Unlock()

		err := d.s.DfuSendChunk(uint32(off), d.img.Data[off:end])

		d.mu.Lock()
		if err != nil {
			d.running = false
			d.mu.Unlock()
			return fmt.Errorf("dfu: 偏移 %d: %w", off, err)
		}
	}
	d.running = false
	d.mu.Unlock()
	return nil
}

// Stop 结束发送，之后的 NAK 被忽略
func (d *DfuSender) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Sent 已发送的数据块数 (含重传)
func (d *DfuSender) Sent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

// ResendFrom 从指定字节偏移重新发送剩余数据块 (响应 NAK)
func ResendFrom(s inter.SerialProtocol, img *DfuImage, offset uint32) error {
	if img.ChunkSize == 0 {
		return inter.ErrMisc
	}
	if uint64(offset) > uint64(len(img.Data)) {
		return fmt.Errorf("%w: 偏移 %d 超出镜像 %d", inter.ErrOverflow, offset, len(img.Data))
	}
	size := int(img.ChunkSize)
	for off := int(offset); off < len(img.Data); off += size {
		end := min(off+size, len(img.Data))
		if err := s.DfuSendChunk(uint32(off), img.Data[off:end]); err != nil {
			return fmt.Errorf("dfu: 偏移 %d: %w", off, err)
		}
	}
	return nil
}

func maxPacketSizeOf(s inter.SerialProtocol) int {
	if sized, ok := s.(interface{ MaxPacketSize() int }); ok {
		return sized.MaxPacketSize()
	}
	return inter.DefaultMaxPacketSize
}
