package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu          sync.RWMutex
	globalLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global      *zap.Logger
)

// Config 日志配置
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

// fixedWidthColorLevelEncoder 固定 5 字符宽度的彩色等级
func fixedWidthColorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	s := level.CapitalString()
	for len(s) < 5 {
		s += " "
	}
	switch level {
	case zapcore.DebugLevel:
		s = "\x1b[35m" + s + "\x1b[0m"
	case zapcore.InfoLevel:
		s = "\x1b[34m" + s + "\x1b[0m"
	case zapcore.WarnLevel:
		s = "\x1b[33m" + s + "\x1b[0m"
	case zapcore.ErrorLevel:
		s = "\x1b[31m" + s + "\x1b[0m"
	default:
		s = "\x1b[31;1m" + s + "\x1b[0m"
	}
	enc.AppendString(s)
}

// Init 按配置重建全局日志器，可重复调用
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return fmt.Errorf("无效的日志级别 %q: %w", cfg.Level, err)
		}
	}

	var w zapcore.WriteSyncer
	switch cfg.Output {
	case "", "stdout":
		w = zapcore.Lock(os.Stdout)
	case "stderr":
		w = zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		w = zapcore.Lock(f)
	}

	l, err := build(cfg.Format, w)
	if err != nil {
		return err
	}
	globalLevel.SetLevel(level)

	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// InitWriter 输出到任意 io.Writer，主要供测试使用
func InitWriter(format string, level zapcore.Level, out io.Writer) {
	l, _ := build(format, zapcore.AddSync(out))
	globalLevel.SetLevel(level)
	mu.Lock()
	global = l
	mu.Unlock()
}

func build(format string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	var encoder zapcore.Encoder
	switch format {
	case "json":
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "time"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	case "", "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = fixedWidthColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("[2006-01-02 15:04:05]")
		ec.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
			const width = 24
			s := caller.TrimmedPath()
			if len(s) < width {
				s += strings.Repeat(" ", width-len(s))
			}
			enc.AppendString(s)
		}
		ec.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("不支持的日志格式 %q", format)
	}

	core := zapcore.NewCore(encoder, w, globalLevel)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// Get 获取全局 Logger，未初始化时使用 info/console
func Get() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global, _ = build("console", zapcore.Lock(os.Stdout))
	}
	return global
}

// SetLevel 运行时调整级别
func SetLevel(level zapcore.Level) {
	globalLevel.SetLevel(level)
}

// Sync 刷新日志缓冲，最多等待 200ms
func Sync() {
	l := Get()
	done := make(chan struct{})
	go func() {
		_ = l.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

func Debug(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Named 创建组件 Logger
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

