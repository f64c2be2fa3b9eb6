package protocol

import (
	"encoding/binary"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/sigurn/crc16"
)

// CRC-16/CCITT，seed 0，多项式 0x1021，MSB 优先 (即 XMODEM 参数)
var ccittTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum 计算任意数据的 CRC-16/CCITT
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, ccittTable)
}

// ChecksumWriter 增量计算 CRC-16/CCITT，结果与 Checksum 对整段数据计算一致
type ChecksumWriter struct {
	crc uint16
}

func NewChecksumWriter() *ChecksumWriter {
	return &ChecksumWriter{crc: crc16.Init(ccittTable)}
}

func (c *ChecksumWriter) Write(p []byte) (int, error) {
	c.crc = crc16.Update(c.crc, p, ccittTable)
	return len(p), nil
}

func (c *ChecksumWriter) Sum16() uint16 {
	return crc16.Complete(c.crc, ccittTable)
}

var zeroCRC = []byte{0, 0}

// packetCRC 计算整包 CRC，crc16 字段按 0 参与计算。
// 不修改 packet，接收端无需拷贝即可校验。
func packetCRC(packet []byte) uint16 {
	crc := crc16.Init(ccittTable)
	crc = crc16.Update(crc, packet[:2], ccittTable)
	crc = crc16.Update(crc, zeroCRC, ccittTable)
	crc = crc16.Update(crc, packet[inter.PacketHeaderSize:], ccittTable)
	return crc16.Complete(crc, ccittTable)
}

// stampCRC 写入整包 CRC
func stampCRC(packet []byte) {
	binary.LittleEndian.PutUint16(packet[2:], packetCRC(packet))
}

// ParsePacket 执行 CRC 校验并解析包头，Payload 引用原缓冲区
func ParsePacket(packet []byte) (*inter.Packet, error) {
	if len(packet) < inter.PacketHeaderSize {
		return nil, inter.ErrInvalidLength
	}
	expected := binary.LittleEndian.Uint16(packet[2:])
	if actual := packetCRC(packet); actual != expected {
		return nil, crcError(expected, actual)
	}
	return &inter.Packet{
		Type:    inter.MessageType(packet[0]),
		Flags:   packet[1],
		CRC16:   expected,
		Payload: packet[inter.PacketHeaderSize:],
	}, nil
}
