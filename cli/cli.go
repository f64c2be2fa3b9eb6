package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nhirsama/Goster-Mesh/src/config"
	"github.com/nhirsama/Goster-Mesh/src/datastore"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/nhirsama/Goster-Mesh/src/logger"
	"github.com/nhirsama/Goster-Mesh/src/transport"
	"github.com/spf13/cobra"
)

// Run 程序入口，收到 SIGINT/SIGTERM 时取消上下文并等待命令返回
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// app 各子命令共享的运行时状态
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *logger.Logger

	// openPort 打开串口，测试中替换为内存管道
	openPort func(c config.SerialConfig) (io.ReadWriteCloser, error)
	// openStore 打开配置存储
	openStore func(c config.StoreConfig) (inter.ConfigStore, error)
}

func newApp() *app {
	return &app{
		log: logger.NewLogger("cli"),
		openPort: func(c config.SerialConfig) (io.ReadWriteCloser, error) {
			return transport.OpenSerial(transport.SerialConfig{
				Device:      c.Device,
				Baud:        c.Baud,
				ReadTimeout: c.ReadTimeout,
			})
		},
		openStore: func(c config.StoreConfig) (inter.ConfigStore, error) {
			return datastore.NewConfigSql(c.Driver, c.DSN)
		},
	}
}

// portCloser 串口只关闭一次：读取循环在 ctx 取消时关闭它，命令退出时再次关闭为空操作
type portCloser struct {
	io.ReadWriteCloser
	once sync.Once
	err  error
}

func (p *portCloser) Close() error {
	p.once.Do(func() { p.err = p.ReadWriteCloser.Close() })
	return p.err
}

// dial 打开配置中的串口
func (a *app) dial() (*portCloser, error) {
	port, err := a.openPort(a.cfg.Serial)
	if err != nil {
		return nil, err
	}
	return &portCloser{ReadWriteCloser: port}, nil
}

// NewRootCmd 构建命令树
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "goster-mesh",
		Short:         "BM-Serial 串口网关与调试工具",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := logger.SetLevel(cfg.Log.Level); err != nil {
				return fmt.Errorf("log.level: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "配置文件路径 (yaml/toml/json)")
	pf.String("node-id", "0", "本节点 ID，支持 0x 前缀")
	pf.String("device", "/dev/ttyUSB0", "串口设备")
	pf.Int("baud", 115200, "波特率")
	pf.String("store", "./goster.db", "配置存储 DSN")
	pf.String("driver", "sqlite", "配置存储驱动: sqlite 或 pgx")
	pf.String("log-level", "info", "日志级别")

	root.AddCommand(
		newServeCmd(a),
		newDecodeCmd(a),
		newSendCmd(a),
	)
	return root
}
