package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mustFrame(t require.TestingT, packet []byte) []byte {
	frame, err := EncodeFrame(packet)
	require.NoError(t, err)
	return frame
}

func TestFrame_KnownVectors(t *testing.T) {
	seq := func(from, to int) []byte {
		var b []byte
		for i := from; i <= to; i++ {
			b = append(b, byte(i))
		}
		return b
	}
	cat := func(parts ...[]byte) []byte { return bytes.Join(parts, nil) }
	cases := []struct {
		name    string
		raw     []byte
		encoded []byte
	}{
		{"zero", []byte{0x00}, []byte{0x01, 0x01, 0x00}},
		{"two_zeros", []byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01, 0x00}},
		{"mixed", []byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33, 0x00}},
		{"no_zero", []byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44, 0x00}},
		{"trailing_zero", []byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01, 0x00}},
		{"254_nonzero", seq(1, 254), cat([]byte{0xFF}, seq(1, 254), []byte{0x00})},
		{"254_nonzero_then_zero", cat(seq(1, 254), []byte{0x00}), cat([]byte{0xFF}, seq(1, 254), []byte{0x01, 0x01, 0x00})},
		{"255_leading_zero", seq(0, 254), cat([]byte{0x01, 0xFF}, seq(1, 254), []byte{0x00})},
		{"255_nonzero", seq(1, 255), cat([]byte{0xFF}, seq(1, 254), []byte{0x02, 0xFF, 0x00})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.encoded, mustFrame(t, tc.raw))
			decoded, err := DecodeFrame(tc.encoded)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.raw, decoded))

			// 分隔符可省略
			decoded, err = DecodeFrame(tc.encoded[:len(tc.encoded)-1])
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tc.raw, decoded))
		})
	}
	assert.Equal(t, []byte{0x01, 0x00}, mustFrame(t, nil))
}

func TestFrame_Corrupt(t *testing.T) {
	for _, frame := range [][]byte{
		{0x05, 0x11, 0x22},
		{0x00},
		{},
		{0x03, 0x11, 0x00},
		{0x02, 0x11, 0x00, 0x22},
		{0x01},
	} {
		_, err := DecodeFrame(frame)
		assert.ErrorIs(t, err, ErrFrameCorrupt, "%x", frame)
	}
}

func TestFrame_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		// 非零长串与零字节交替，覆盖满组边界
		var raw []byte
		for _, n := range rapid.SliceOfN(rapid.IntRange(0, 600), 1, 6).Draw(rt, "runs") {
			raw = append(raw, bytes.Repeat([]byte{0x5A}, n)...)
			raw = append(raw, 0x00)
		}
		raw = append(raw, rapid.SliceOfN(rapid.Byte(), 1, 1024).Draw(rt, "tail")...)

		encoded := mustFrame(rt, raw)
		require.Equal(rt, FrameDelimiter, encoded[len(encoded)-1])
		assert.NotContains(rt, encoded[:len(encoded)-1], FrameDelimiter)
		decoded, err := DecodeFrame(encoded)
		require.NoError(rt, err)
		assert.True(rt, bytes.Equal(raw, decoded))
	})
}

type frameCounter struct {
	mu            sync.Mutex
	ok, dropped int
}

func (c *frameCounter) FrameReceived() {
	c.mu.Lock()
	c.ok++
	c.mu.Unlock()
}

func (c *frameCounter) FrameDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *frameCounter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ok, c.dropped
}

var quiet = WithLogger(logger.New(io.Discard, "test"))

// startLink 在 net.Pipe 的一端运行 Link，返回另一端
func startLink(t *testing.T, handler PacketHandler, opts ...LinkOption) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	link := NewLink(b, handler, append([]LinkOption{quiet}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run 未在取消后退出")
		}
		a.Close()
	})
	return a
}

func TestLink_EndToEnd(t *testing.T) {
	received := make(chan string, 1)
	rx := protocol.NewBmSerial()
	rx.SetCallbacks(inter.Callbacks{Sub: func(m *inter.SubMsg) error {
		received <- m.Topic
		return nil
	}})
	conn := startLink(t, rx.Process)

	tx := protocol.NewBmSerial()
	tx.SetCallbacks(inter.Callbacks{Tx: NewLink(conn, nil, quiet).Send})
	require.NoError(t, tx.Sub("mesh/topic\x00with-zero"))

	select {
	case topic := <-received:
		assert.Equal(t, "mesh/topic\x00with-zero", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到报文")
	}
}

func TestLink_DropsBadFramesAndRecovers(t *testing.T) {
	counter := &frameCounter{}
	packets := make(chan []byte, 4)
	conn := startLink(t, func(p []byte) error {
		packets <- p
		return nil
	}, WithMaxFrame(16), WithFrameObserver(counter))

	good := mustFrame(t, []byte{0x02, 0x00, 0xAA})
	var stream []byte
	stream = append(stream, 0x05, 0x11, 0x00)                  // 损坏帧
	stream = append(stream, bytes.Repeat([]byte{0x42}, 40)...) // 超长帧
	stream = append(stream, 0x00, 0x00)                        // 超长帧结束 + 空帧
	stream = append(stream, good...)
	_, err := conn.Write(stream)
	require.NoError(t, err)

	select {
	case p := <-packets:
		assert.Equal(t, []byte{0x02, 0x00, 0xAA}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("有效帧未送达")
	}
	ok, dropped := counter.counts()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, dropped)
}

func TestLink_ConcurrentSend(t *testing.T) {
	const n = 20
	valid := make(chan bool, n)
	conn := startLink(t, func(p []byte) error {
		_, err := protocol.Decode(p)
		valid <- err == nil
		return err
	})

	sender := NewLink(conn, nil, quiet)
	s := protocol.NewBmSerial()
	s.SetCallbacks(inter.Callbacks{Tx: sender.Send})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.NetMsg(uint64(i), 0, bytes.Repeat([]byte{0, byte(i)}, 50)))
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case ok := <-valid:
			assert.True(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatalf("只收到 %d/%d 个包", i, n)
		}
	}
	wg.Wait()
}
