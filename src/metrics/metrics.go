package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goster"

// Collector 将协议层编解码结果记录为 Prometheus 指标，实现 inter.Observer
type Collector struct {
	packets *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	frames  *prometheus.CounterVec
	nodes   prometheus.Gauge
}

var _ inter.Observer = (*Collector)(nil)

// NewCollector 创建并注册指标。reg 为 nil 时使用默认注册表。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "packets_total",
				Help:      "Packets encoded or decoded, by direction, message type and result.",
			},
			[]string{"direction", "type", "result"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "bytes_total",
				Help:      "Bytes of successfully encoded or decoded packets.",
			},
			[]string{"direction"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "frames_total",
				Help:      "Link frames by result.",
			},
			[]string{"result"},
		),
		nodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mesh",
				Name:      "nodes_online",
				Help:      "Nodes seen within the liveness timeout.",
			},
		),
	}
	reg.MustRegister(c.packets, c.bytes, c.frames, c.nodes)
	return c
}

func (c *Collector) Encoded(t inter.MessageType, size int, err error) {
	c.record("tx", t, size, err)
}

func (c *Collector) Decoded(t inter.MessageType, size int, err error) {
	c.record("rx", t, size, err)
}

func (c *Collector) record(direction string, t inter.MessageType, size int, err error) {
	c.packets.WithLabelValues(direction, t.String(), Result(err)).Inc()
	if err == nil {
		c.bytes.WithLabelValues(direction).Add(float64(size))
	}
}

// FrameDropped 记录链路层丢弃的帧 (COBS 解码失败、超长等)
func (c *Collector) FrameDropped() {
	c.frames.WithLabelValues("dropped").Inc()
}

// FrameReceived 记录一个完整接收的帧
func (c *Collector) FrameReceived() {
	c.frames.WithLabelValues("ok").Inc()
}

// SetNodesOnline 更新在线节点数
func (c *Collector) SetNodesOnline(n int) {
	c.nodes.Set(float64(n))
}

var resultLabels = []struct {
	err   error
	label string
}{
	{inter.ErrTransmitFailed, "transmit_failed"},
	{inter.ErrNullBuffer, "null_buffer"},
	{inter.ErrOverflow, "overflow"},
	{inter.ErrMissingCallback, "missing_callback"},
	{inter.ErrOutOfMemory, "out_of_memory"},
	{inter.ErrCRCMismatch, "crc_mismatch"},
	{inter.ErrUnsupportedMessage, "unsupported"},
	{inter.ErrInvalidLength, "invalid_length"},
	{inter.ErrMisc, "misc"},
}

// Result 将错误归类为固定的指标标签。
// 发送失败可能同时包裹对端处理错误，优先归为 transmit_failed。
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	for _, r := range resultLabels {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "callback_error"
}

// Server 通过 HTTP 暴露指标
type Server struct {
	srv *http.Server
	mux *http.ServeMux
}

// NewServer 在 addr 上暴露 gatherer 的指标；addr 为空时返回 nil (禁用)
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if addr == "" {
		return nil
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}, mux: mux}
}

// Handle 在同一端口上挂载其他接口，须在 Start 之前调用
func (s *Server) Handle(pattern string, h http.Handler) {
	if s == nil {
		return
	}
	s.mux.Handle(pattern, h)
}

// Start 阻塞直到服务关闭；禁用时直接返回 nil
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭；禁用时为空操作
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
