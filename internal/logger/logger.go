package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// L 是全局 logger 实例。
	L *zap.SugaredLogger
	// Z 是全局 zap.Logger 实例（用于需要性能的场景）。
	Z *zap.Logger
)

func init() {
	// 默认使用 info 级别，输出到 stderr。
	z, _ := zap.NewProduction()
	Z = z
	L = z.Sugar()
}

// Config 日志配置。
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	File       string // 日志文件路径，为空则只输出到控制台
	MaxSize    int    // 单个日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件最大数量
	MaxAge     int    // 保留旧日志文件的最大天数
}

// ParseLevel 将配置中的级别字符串转换为 zap 级别。空字符串视为 info。
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("不支持的日志级别: %s", level)
	}
}

// Init 根据配置初始化全局 logger。
func Init(cfg Config) error {
	zapLevel, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var output io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		output = io.MultiWriter(os.Stderr, rotatingFile(cfg))
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(output),
		zapLevel,
	)

	Z = zap.New(core, zap.AddCallerSkip(1))
	L = Z.Sugar()
	return nil
}

// rotatingFile 返回按大小滚动的日志文件写入器。
func rotatingFile(cfg Config) *lumberjack.Logger {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 64
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
}

// ForStream 返回携带 stream_id 字段的 logger，供单条流的各个阶段使用。
func ForStream(id string) *zap.SugaredLogger {
	return L.With("stream_id", id)
}

// Sync 刷新缓冲区，应在程序退出前调用。
func Sync() {
	if Z != nil {
		_ = Z.Sync()
	}
}

// Debug 记录调试级别日志。
func Debug(msg string) { L.Debug(msg) }

// Debugf 记录格式化调试级别日志。
func Debugf(template string, args ...interface{}) { L.Debugf(template, args...) }

// Info 记录信息级别日志。
func Info(msg string) { L.Info(msg) }

// Infof 记录格式化信息级别日志。
func Infof(template string, args ...interface{}) { L.Infof(template, args...) }

// Warn 记录警告级别日志。
func Warn(msg string) { L.Warn(msg) }

// Warnf 记录格式化警告级别日志。
func Warnf(template string, args ...interface{}) { L.Warnf(template, args...) }

// Error 记录错误级别日志。
func Error(msg string) { L.Error(msg) }

// Errorf 记录格式化错误级别日志。
func Errorf(template string, args ...interface{}) { L.Errorf(template, args...) }
