package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

func crcError(expected, actual uint16) error {
	return fmt.Errorf("%w: 期望 0x%04X, 实际 0x%04X", inter.ErrCRCMismatch, expected, actual)
}

// packetWriter 按小端顺序依次写入字段。
// 容量已在两遍计算中确定，写入不做越界检查。
type packetWriter struct {
	buf []byte
	off int
}

func (w *packetWriter) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *packetWriter) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *packetWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *packetWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *packetWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *packetWriter) bytes(b []byte) {
	w.off += copy(w.buf[w.off:], b)
}

func (w *packetWriter) str(s string) {
	w.off += copy(w.buf[w.off:], s)
}

// lenPrefixed 写入 u16 长度前缀及内容
func (w *packetWriter) lenPrefixed(s string) {
	w.u16(uint16(len(s)))
	w.str(s)
}

// payloadReader 对不可信的载荷做带边界检查的顺序读取。
// 首次越界后记录 ErrInvalidLength，后续读取均返回零值。
type payloadReader struct {
	buf []byte
	off int
	err error
}

func newPayloadReader(payload []byte) *payloadReader {
	return &payloadReader{buf: payload}
}

func (r *payloadReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: 偏移 %d 需要 %d 字节, 剩余 %d", inter.ErrInvalidLength, r.off, n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *payloadReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *payloadReader) boolean() bool {
	return r.u8() != 0
}

func (r *payloadReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

// bytes 返回长度为 n 的视图；n 为 0 时返回 nil
func (r *payloadReader) bytes(n int) []byte {
	if !r.need(n) || n == 0 {
		return nil
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func (r *payloadReader) str(n int) string {
	return string(r.bytes(n))
}

// lenPrefixed 读取 u16 长度前缀的条目
func (r *payloadReader) lenPrefixed() string {
	n := r.u16()
	return r.str(int(n))
}

// rest 返回剩余全部字节 (位置推导的尾部数据)
func (r *payloadReader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.bytes(len(r.buf) - r.off)
}
