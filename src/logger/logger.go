package logger

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// 全局日志级别，由配置在启动时设置
var level atomic.Int32

func init() {
	level.Store(int32(zerolog.InfoLevel))
	zerolog.DurationFieldUnit = time.Millisecond
}

// SetLevel 设置全局日志级别，无法识别的级别返回错误且不修改当前设置
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	l, err := zerolog.ParseLevel(name)
	if err != nil {
		return err
	}
	level.Store(int32(l))
	return nil
}

// Logger 带组件字段的结构化日志
type Logger struct {
	base zerolog.Logger
}

// NewLogger 创建输出到标准错误的组件日志 (标准输出留给 CLI 结果)
func NewLogger(component string) *Logger {
	return New(os.Stderr, component)
}

// New 创建输出到 w 的组件日志
func New(w io.Writer, component string) *Logger {
	l := zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{base: l}
}

// With 返回附加固定字段的子日志
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{base: l.base.With().Fields(kvToMap(keyvals...)).Logger()}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.event(zerolog.DebugLevel).Fields(kvToMap(keyvals...)).Msg(msg)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.event(zerolog.InfoLevel).Fields(kvToMap(keyvals...)).Msg(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.event(zerolog.WarnLevel).Fields(kvToMap(keyvals...)).Msg(msg)
}

// Error 记录错误，err 为 nil 时不附加 error 字段
func (l *Logger) Error(msg string, err error, keyvals ...interface{}) {
	l.event(zerolog.ErrorLevel).Err(err).Fields(kvToMap(keyvals...)).Msg(msg)
}

// event 低于全局级别时返回 nil 事件，zerolog 对 nil 事件的调用均为空操作
func (l *Logger) event(lvl zerolog.Level) *zerolog.Event {
	lg := l.base.Level(zerolog.Level(level.Load()))
	return lg.WithLevel(lvl)
}

// kvToMap 将扁平的 key/value 列表转换为 zerolog 字段，非字符串 key 被跳过
func kvToMap(kv ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i < len(kv)-1; i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}
