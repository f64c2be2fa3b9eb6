package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 GOSTER_SERIAL_DEVICE
const EnvPrefix = "GOSTER"

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Store    StoreConfig    `mapstructure:"store"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
	Dfu      DfuConfig      `mapstructure:"dfu"`
}

type NodeConfig struct {
	// ID 本节点 ID，可写作十进制或 0x 前缀十六进制
	ID uint64 `mapstructure:"id"`
	// Timeout 超过该时长未收到报文的节点视为离线
	Timeout time.Duration `mapstructure:"timeout"`
	// QueueCapacity 每个节点待发送 NetMsg 队列容量
	QueueCapacity int `mapstructure:"queue_capacity"`
}

type SerialConfig struct {
	Device      string        `mapstructure:"device"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type ProtocolConfig struct {
	MaxPacketSize int `mapstructure:"max_packet_size"`
}

type StoreConfig struct {
	// Driver sqlite 或 pgx
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	// Listen 为空时不启动指标服务
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DfuConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
}

// flagKeys 命令行参数名到配置键的映射
var flagKeys = map[string]string{
	"node-id":   "node.id",
	"device":    "serial.device",
	"baud":      "serial.baud",
	"store":     "store.dsn",
	"driver":    "store.driver",
	"metrics":   "metrics.listen",
	"log-level": "log.level",
	"chunk":     "dfu.chunk_size",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", 0)
	v.SetDefault("node.timeout", 60*time.Second)
	v.SetDefault("node.queue_capacity", 100)
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.read_timeout", 100*time.Millisecond)
	v.SetDefault("protocol.max_packet_size", inter.DefaultMaxPacketSize)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./goster.db")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("dfu.chunk_size", 512)
}

// Load 按 默认值 < 配置文件 < 环境变量 < 命令行参数 的优先级加载配置。
// path 为空时不读取配置文件；flags 可为 nil。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: 读取 %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: 解析失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Protocol.MaxPacketSize <= inter.PacketHeaderSize {
		return fmt.Errorf("config: protocol.max_packet_size 必须大于 %d", inter.PacketHeaderSize)
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "pgx" {
		return fmt.Errorf("config: 不支持的 store.driver %q", c.Store.Driver)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("config: serial.baud 必须为正数")
	}
	if c.Dfu.ChunkSize <= 0 || c.Dfu.ChunkSize > c.Protocol.MaxPacketSize-inter.PacketHeaderSize-8 {
		return fmt.Errorf("config: dfu.chunk_size %d 超出单包容量", c.Dfu.ChunkSize)
	}
	if c.Node.QueueCapacity <= 0 {
		return fmt.Errorf("config: node.queue_capacity 必须为正数")
	}
	return nil
}
