package device_manager

import (
	"io"
	"sync"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
)

// DfuResult.status 取值
const (
	DfuStatusOK uint32 = iota
	DfuStatusBadStart
	DfuStatusCRC
	DfuStatusWrite
	DfuStatusOutOfRange
)

// DfuReceiver 接收固件镜像。
// 数据块必须按偏移顺序到达；出现缺口时回复带 NAK 标志的空数据块，请求从期望偏移重传。
// 同一期望偏移只请求一次，直到收到新数据或发送端开始新一轮发送。
// 已接收过的旧块被忽略。
type DfuReceiver struct {
	nodeID uint64
	serial inter.SerialProtocol
	w      io.WriterAt
	log    *logger.Logger

	// OnComplete 镜像接收结束 (成功或失败) 时调用
	OnComplete func(start inter.DfuStart, status uint32)

	mu       sync.Mutex
	active   bool
	start    inter.DfuStart
	expected uint32
	crc      *protocol.ChecksumWriter

	// nakAt 触发当前 NAK 的数据块偏移，nakPending 为 false 时无意义
	nakPending bool
	nakAt      uint32
	naks       int
}

func NewDfuReceiver(nodeID uint64, s inter.SerialProtocol, w io.WriterAt, log *logger.Logger) *DfuReceiver {
	return &DfuReceiver{nodeID: nodeID, serial: s, w: w, log: log}
}

// Active 是否正在接收
func (d *DfuReceiver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Progress 返回已接收字节数与镜像总长
func (d *DfuReceiver) Progress() (received, total uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expected, d.start.ImageSize
}

// Naks 本次接收已发出的 NAK 数
func (d *DfuReceiver) Naks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.naks
}

// HandleStart 开始新的接收，丢弃进行中的传输。node_id 为 0 表示广播。
func (d *DfuReceiver) HandleStart(m *inter.DfuStartMsg) error {
	if m.NodeID != 0 && m.NodeID != d.nodeID {
		return nil
	}
	if m.ImageSize == 0 || m.ChunkSize == 0 || d.w == nil {
		d.log.Warn("拒绝固件升级", "image_size", m.ImageSize, "chunk_size", m.ChunkSize)
		return d.finish(m.DfuStart, DfuStatusBadStart)
	}

	d.mu.Lock()
	d.active = true
	d.start = m.DfuStart
	d.expected = 0
	d.crc = protocol.NewChecksumWriter()
	d.nakPending = false
	d.naks = 0
	d.mu.Unlock()

	d.log.Info("开始接收固件", "image_size", m.ImageSize, "chunk_size", m.ChunkSize,
		"version", m.MajorVer, "minor", m.MinorVer)
	return nil
}

// HandleChunk 处理一个数据块。发送在释放锁之后进行，对端同步重传不会死锁。
func (d *DfuReceiver) HandleChunk(m *inter.DfuChunkMsg) error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return nil
	}
	start := d.start
	offset := m.ByteOffset()

	switch {
	case offset > d.expected:
		// 偏移不超过上次触发 NAK 的块说明发送端已开始新一轮，缺口仍在则再次请求
		if d.nakPending && offset > d.nakAt {
			d.mu.Unlock()
			return nil
		}
		d.nakPending = true
		d.nakAt = offset
		d.naks++
		expected := d.expected
		d.mu.Unlock()
		d.log.Warn("固件数据块缺失，请求重传", "offset", offset, "expected", expected)
		return d.serial.DfuSendChunk(inter.DfuChunkNakFlag|expected, nil)

	case offset < d.expected:
		d.mu.Unlock()
		return nil

	case uint64(offset)+uint64(len(m.Data)) > uint64(start.ImageSize):
		d.active = false
		d.mu.Unlock()
		return d.finish(start, DfuStatusOutOfRange)
	}

	if _, err := d.w.WriteAt(m.Data, int64(offset)); err != nil {
		d.active = false
		d.mu.Unlock()
		d.log.Error("写入固件失败", err, "offset", offset)
		return d.finish(start, DfuStatusWrite)
	}
	_, _ = d.crc.Write(m.Data)
	d.expected += uint32(len(m.Data))
	d.nakPending = false
	if d.expected < start.ImageSize {
		d.mu.Unlock()
		return nil
	}

	d.active = false
	sum := d.crc.Sum16()
	d.mu.Unlock()

	if sum != start.CRC16 {
		d.log.Warn("固件 CRC 校验失败", "expected", start.CRC16, "actual", sum)
		return d.finish(start, DfuStatusCRC)
	}
	return d.finish(start, DfuStatusOK)
}

func (d *DfuReceiver) finish(start inter.DfuStart, status uint32) error {
	if d.OnComplete != nil {
		d.OnComplete(start, status)
	}
	return d.serial.DfuSendFinish(d.nodeID, status == DfuStatusOK, status)
}
