package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nhirsama/Goster-Mesh/src/device_manager"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/metrics"
	"github.com/nhirsama/Goster-Mesh/src/protocol"
	"github.com/nhirsama/Goster-Mesh/src/transport"
	"github.com/nhirsama/Goster-Mesh/src/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	subscribe   []string
	firmwareOut string
	announce    time.Duration
	deviceName  string
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "作为网络节点运行：应答配置/设备信息请求，接收固件，导出指标",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.String("metrics", "", "指标与状态接口监听地址，例如 :9100")
	f.StringSliceVar(&opts.subscribe, "subscribe", nil, "启动时订阅的主题")
	f.StringVar(&opts.firmwareOut, "firmware-out", "", "接收到的固件写入该文件，为空时拒绝升级")
	f.DurationVar(&opts.announce, "announce", 30*time.Second, "NetworkInfo 广播间隔，0 表示不广播")
	f.StringVar(&opts.deviceName, "name", "goster-mesh", "DeviceInfoReply 中的设备名")
	return cmd
}

func (a *app) serve(ctx context.Context, opts serveOptions) error {
	cfg := a.cfg
	log := a.log.With("node", fmt.Sprintf("%016x", cfg.Node.ID))

	store, err := a.openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	port, err := a.dial()
	if err != nil {
		return err
	}
	defer port.Close()

	serial := protocol.NewBmSerial(
		protocol.WithMaxPacketSize(cfg.Protocol.MaxPacketSize),
		protocol.WithObserver(collector),
	)

	nodeOpts := []device_manager.Option{
		device_manager.WithRegistry(device_manager.NewNodeRegistry(cfg.Node.Timeout)),
		device_manager.WithQueue(device_manager.NewMessageQueue(cfg.Node.QueueCapacity)),
		device_manager.WithLogger(logger.NewLogger("node")),
		device_manager.WithDeviceInfo(inter.DeviceInfoReply{
			VersionString: "goster-mesh",
			DeviceName:    opts.deviceName,
		}),
		device_manager.WithPubHandler(func(m *inter.PubMsg) error {
			log.Info("pub", "from", m.NodeID, "topic", m.Topic, "type", m.PubType, "size", len(m.Data))
			return nil
		}),
		device_manager.WithResponseHandler(func(m inter.Message) {
			log.Debug("response", "type", m.Type().String())
		}),
	}
	if opts.firmwareOut != "" {
		fw, err := os.Create(opts.firmwareOut)
		if err != nil {
			return fmt.Errorf("打开固件输出文件: %w", err)
		}
		defer fw.Close()
		nodeOpts = append(nodeOpts, device_manager.WithFirmwareSink(fw))
	}
	node := device_manager.NewNodeManager(cfg.Node.ID, serial, store, nodeOpts...)
	node.DfuReceiver().OnComplete = func(start inter.DfuStart, status uint32) {
		log.Info("固件接收结束", "image_size", start.ImageSize, "status", status)
	}

	link := transport.NewLink(port, serial.Process,
		transport.WithLogger(logger.NewLogger("link")),
		transport.WithFrameObserver(collector),
	)
	node.Attach(link.Send)

	if srv := metrics.NewServer(cfg.Metrics.Listen, reg); srv != nil {
		srv.Handle("/api/", web.NewStatusHandler(node.Registry(), store))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("指标服务退出", err, "listen", cfg.Metrics.Listen)
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdown)
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- link.Run(runCtx)
	}()

	for _, topic := range opts.subscribe {
		if err := node.Subscribe(topic); err != nil {
			return fmt.Errorf("订阅 %s: %w", topic, err)
		}
	}

	log.Info("节点已启动", "device", cfg.Serial.Device, "baud", cfg.Serial.Baud, "store", cfg.Store.Driver)
	err = a.housekeeping(node, collector, opts.announce, done)
	log.Info("节点已停止")
	return err
}

// housekeeping 周期性刷新在线节点数并广播网络信息，直到链路退出
func (a *app) housekeeping(node *device_manager.NodeManager, collector *metrics.Collector, announce time.Duration, done <-chan error) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var announceC <-chan time.Time
	if announce > 0 {
		t := time.NewTicker(announce)
		defer t.Stop()
		announceC = t.C
	}

	for {
		select {
		case err := <-done:
			return err
		case <-tick.C:
			collector.SetNodesOnline(len(node.Registry().OnlineNodes()))
		case <-announceC:
			if err := node.AnnounceNetwork(); err != nil {
				a.log.Warn("广播网络信息失败", "error", err.Error())
			}
		}
	}
}
