package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig 串口参数
type SerialConfig struct {
	Device string
	Baud   int
	// ReadTimeout 为 0 时读取一直阻塞
	ReadTimeout time.Duration
}

// SerialPort 包装 tarm/serial 端口
type SerialPort struct {
	port *serial.Port
}

// OpenSerial 打开串口
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: 打开串口 %s 失败: %w", cfg.Device, err)
	}
	return &SerialPort{port: port}, nil
}

// Read 读取超时在部分平台上表现为 (0, io.EOF)，这里转换为 (0, nil)，
// 使 Link.Run 只在端口关闭时退出
func (p *SerialPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *SerialPort) Flush() error {
	return p.port.Flush()
}

func (p *SerialPort) Close() error {
	return p.port.Close()
}
