package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/Goster-Mesh/src/config"
	"github.com/nhirsama/Goster-Mesh/src/datastore"
	"github.com/nhirsama/Goster-Mesh/src/device_manager"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
	"github.com/nhirsama/Goster-Mesh/src/transport"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peerID uint64 = 0x10

var quiet = logger.New(io.Discard, "test")

// testPeer 管道另一端的节点，记录收到的全部报文
type testPeer struct {
	node   *device_manager.NodeManager
	store  *datastore.ConfigSql
	fwPath string

	mu   sync.Mutex
	msgs []inter.Message
}

func (p *testPeer) record(m inter.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *testPeer) received(t inter.MessageType) []inter.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []inter.Message
	for _, m := range p.msgs {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

func startPeer(t *testing.T, conn net.Conn) *testPeer {
	t.Helper()
	dir := t.TempDir()
	store, err := datastore.NewConfigSql(datastore.DriverSQLite, filepath.Join(dir, "peer.db"))
	require.NoError(t, err)
	p := &testPeer{store: store, fwPath: filepath.Join(dir, "fw.bin")}
	fw, err := os.Create(p.fwPath)
	require.NoError(t, err)

	serial := protocol.NewBmSerial()
	p.node = device_manager.NewNodeManager(peerID, serial, store,
		device_manager.WithLogger(quiet),
		device_manager.WithDeviceInfo(inter.DeviceInfoReply{DeviceName: "peer", VerMajor: 2}),
		device_manager.WithFirmwareSink(fw),
	)
	link := transport.NewLink(conn, func(packet []byte) error {
		if msg, err := protocol.Decode(bytes.Clone(packet)); err == nil {
			p.record(msg)
		}
		return serial.Process(packet)
	}, transport.WithLogger(quiet))
	p.node.Attach(link.Send)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		fw.Close()
		store.Close()
	})
	return p
}

// newTestApp 串口替换为 conn，本地存储使用临时 sqlite
func newTestApp(t *testing.T, conn net.Conn) *app {
	t.Helper()
	a := newApp()
	a.log = quiet
	a.openPort = func(config.SerialConfig) (io.ReadWriteCloser, error) {
		if conn == nil {
			return nil, errors.New("no port")
		}
		return conn, nil
	}
	a.openStore = func(config.StoreConfig) (inter.ConfigStore, error) {
		return datastore.NewConfigSql(datastore.DriverSQLite, filepath.Join(t.TempDir(), "cli.db"))
	}
	return a
}

func execute(a *app, args ...string) (string, error) {
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// packetOf 捕获一次编码的输出
func packetOf(t *testing.T, encode func(s *protocol.BmSerial) error) []byte {
	t.Helper()
	var pkt []byte
	s := protocol.NewBmSerial()
	s.SetCallbacks(inter.Callbacks{Tx: func(p []byte) error {
		pkt = bytes.Clone(p)
		return nil
	}})
	require.NoError(t, encode(s))
	return pkt
}

func TestCommandConstruction(t *testing.T) {
	root := NewRootCmd()
	require.NotNil(t, root)

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		require.NotEmpty(t, c.Use)
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)

	for _, name := range []string{"serve", "decode", "send"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestDecode(t *testing.T) {
	pub := packetOf(t, func(s *protocol.BmSerial) error {
		return s.Pub(0x42, "temp", []byte{0x01, 0x02}, 3, 1)
	})

	t.Run("hex", func(t *testing.T) {
		out, err := execute(newTestApp(t, nil), "decode", hex.EncodeToString(pub))
		require.NoError(t, err)
		assert.Contains(t, out, "type: pub (0x02)")
		assert.Contains(t, out, "node: 0000000000000042")
		assert.Contains(t, out, "topic: temp")
		assert.Contains(t, out, "data: 0102")
	})

	t.Run("spaced hex", func(t *testing.T) {
		args := []string{"decode"}
		for _, b := range pub {
			args = append(args, hex.EncodeToString([]byte{b}))
		}
		out, err := execute(newTestApp(t, nil), args...)
		require.NoError(t, err)
		assert.Contains(t, out, "topic: temp")
	})

	t.Run("cobs frame", func(t *testing.T) {
		frame, err := transport.EncodeFrame(pub)
		require.NoError(t, err)
		out, err := execute(newTestApp(t, nil), "decode", "--cobs", hex.EncodeToString(frame))
		require.NoError(t, err)
		assert.Contains(t, out, "topic: temp")
	})

	t.Run("cbor value", func(t *testing.T) {
		value, err := cbor.Marshal(map[string]int{"rate": 42})
		require.NoError(t, err)
		pkt := packetOf(t, func(s *protocol.BmSerial) error {
			return s.CfgValue(peerID, inter.PartitionSystem, value)
		})
		out, err := execute(newTestApp(t, nil), "decode", hex.EncodeToString(pkt))
		require.NoError(t, err)
		assert.Contains(t, out, "type: cfg_value (0x42)")
		assert.Contains(t, out, "partition: system")
		assert.Contains(t, out, `value: {"rate": 42}`)
	})

	t.Run("crc mismatch", func(t *testing.T) {
		bad := bytes.Clone(pub)
		bad[len(bad)-1] ^= 0xFF
		_, err := execute(newTestApp(t, nil), "decode", hex.EncodeToString(bad))
		assert.ErrorIs(t, err, inter.ErrCRCMismatch)
	})

	t.Run("invalid hex", func(t *testing.T) {
		_, err := execute(newTestApp(t, nil), "decode", "zz")
		assert.Error(t, err)
	})
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(newTestApp(t, nil), "--log-level", "loud", "decode", "00")
	assert.Error(t, err)
}

func TestSend_Sub(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)

	_, err := execute(newTestApp(t, cliEnd), "send", "sub", "temp")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return peer.node.Subscribed("temp")
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, peer.received(inter.MsgSub), 1)
	assert.Equal(t, "temp", peer.received(inter.MsgSub)[0].(*inter.SubMsg).Topic)
}

// closeCounter 记录串口被关闭的次数
type closeCounter struct {
	net.Conn
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func TestSend_ClosesPortOnce(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)
	port := &closeCounter{Conn: cliEnd}

	a := newTestApp(t, nil)
	a.openPort = func(config.SerialConfig) (io.ReadWriteCloser, error) { return port, nil }

	_, err := execute(a, "send", "sub", "temp")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return peer.node.Subscribed("temp")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), port.closes.Load())
}

func TestSend_PubCarriesOwnNodeID(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)

	_, err := execute(newTestApp(t, cliEnd), "--node-id", "0x77", "send", "pub", "--type", "2", "temp", "21.5")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(peer.received(inter.MsgPub)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	pub := peer.received(inter.MsgPub)[0].(*inter.PubMsg)
	assert.Equal(t, uint64(0x77), pub.NodeID)
	assert.Equal(t, uint8(2), pub.PubType)
	assert.Equal(t, []byte("21.5"), pub.Data)
}

func TestSend_InfoWaitsForReply(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	startPeer(t, peerEnd)

	out, err := execute(newTestApp(t, cliEnd), "send", "info", "0x10", "--wait", "2s")
	require.NoError(t, err)
	assert.Contains(t, out, "type: device_info_reply")
	assert.Contains(t, out, "node: 0000000000000010")
	assert.Contains(t, out, "device_name: peer")
}

func TestSend_InfoTimeout(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	startPeer(t, peerEnd)

	// 非本节点的请求被对端忽略
	_, err := execute(newTestApp(t, cliEnd), "send", "info", "0x99", "--wait", "100ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "超时")
}

func TestSend_CfgGet(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)
	value, err := cbor.Marshal(uint(250))
	require.NoError(t, err)
	require.NoError(t, peer.store.Set(inter.PartitionUser, "rate", value))

	out, err := execute(newTestApp(t, cliEnd), "send", "cfg-get", "0x10", "user", "rate")
	require.NoError(t, err)
	assert.Contains(t, out, "source: 0000000000000010")
	assert.Contains(t, out, "value: 250")
}

func TestSend_CfgSet(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)

	_, err := execute(newTestApp(t, cliEnd), "send", "cfg-set", "0x10", "system", "name", "kitchen")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := peer.store.Get(inter.PartitionSystem, "name")
		if err != nil {
			return false
		}
		var s string
		return cbor.Unmarshal(v, &s) == nil && s == "kitchen"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSend_CfgStatus(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)
	require.NoError(t, peer.store.Set(inter.PartitionUser, "a", []byte{0x01}))

	out, err := execute(newTestApp(t, cliEnd), "send", "cfg-status", "0x10", "user")
	require.NoError(t, err)
	assert.Contains(t, out, "committed: false")
	assert.Contains(t, out, "keys: a")
}

func TestSend_Dfu(t *testing.T) {
	cliEnd, peerEnd := net.Pipe()
	peer := startPeer(t, peerEnd)

	image := make([]byte, 1500)
	for i := range image {
		image[i] = byte(i * 7)
	}
	imgPath := filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(imgPath, image, 0o644))

	out, err := execute(newTestApp(t, cliEnd), "send", "dfu", imgPath, "--target", "0x10", "--chunk", "256", "--wait", "3s")
	require.NoError(t, err)
	assert.Contains(t, out, "type: dfu_result")

	got, err := os.ReadFile(peer.fwPath)
	require.NoError(t, err)
	assert.Equal(t, image, got)
	assert.Len(t, peer.received(inter.MsgDfuChunk), 6)
}

func TestSend_OpenPortFailure(t *testing.T) {
	_, err := execute(newTestApp(t, nil), "send", "sub", "temp")
	assert.Error(t, err)
}

func TestParseNodeID(t *testing.T) {
	for in, want := range map[string]uint64{"0x10": 16, "16": 16, "0": 0} {
		got, err := parseNodeID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseNodeID("node-1")
	assert.Error(t, err)
}

func TestEncodeCfgValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"42", uint64(42)},
		{"-3", int64(-3)},
		{"1.5", 1.5},
		{"true", true},
		{"kitchen", "kitchen"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			data, err := encodeCfgValue(tt.in)
			require.NoError(t, err)
			var got interface{}
			require.NoError(t, cbor.Unmarshal(data, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}
