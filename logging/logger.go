// Package logging 提供了统一的结构化日志（slog）封装，支持OpenTelemetry追踪上下文注入、文件切割和动态日志级别。
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.opentelemetry.io/otel/trace" // OpenTelemetry追踪
)

var (
	// defaultLogger 是全局默认的Logger实例，采用单例模式。
	defaultLogger *Logger
	// once 用于确保InitLogger函数只被执行一次，保证defaultLogger的单例性。
	once sync.Once
	// level 所有由本包创建的 Logger 共享的动态级别。
	level = new(slog.LevelVar)
)

// Config 定义日志配置
type Config struct {
	Service    string
	Module     string
	Level      string
	File       string // 日志文件路径，为空则只输出到 stdout
	MaxSize    int    // 每个日志文件最大尺寸 (MB)
	MaxBackups int    // 保留旧日志文件的最大个数
	MaxAge     int    // 保留旧日志文件的最大天数
	Compress   bool   // 是否压缩旧日志
	// Stdout 配置了文件时是否同时输出到 stdout。
	Stdout bool
	// Writer 替换 stdout 输出，主要用于测试。
	Writer io.Writer
}

// Logger 结构体封装了原生的 `*slog.Logger`，并添加了服务名和模块名，方便在日志中区分来源。
type Logger struct {
	*slog.Logger
	Service string // 服务名称
	Module  string // 模块名称
}

// TraceHandler 是一个自定义的 `slog.Handler` 装饰器，用于从 `context.Context` 中提取并注入 `trace_id` 和 `span_id` 到日志记录中。
type TraceHandler struct {
	slog.Handler
}

// Handle 在处理日志记录之前，尝试从上下文获取OpenTelemetry的SpanContext，如果有效，则将trace_id和span_id添加到日志属性中。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() { // 检查SpanContext是否有效，即是否存在正在进行的追踪
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()), // 注入追踪ID
			slog.String("span_id", spanCtx.SpanID().String()),   // 注入Span ID
		)
	}
	return h.Handler.Handle(ctx, r) // 调用被装饰的原始Handler继续处理日志
}

// WithAttrs 保持装饰器在派生 Handler 上生效。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保持装饰器在派生 Handler 上生效。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel 解析日志级别名称，未知名称返回 Info。
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel 动态调整全局日志级别，配置热更新时调用。
func SetLevel(name string) {
	level.Set(ParseLevel(name))
}

// Level 返回当前日志级别。
func Level() slog.Level { return level.Level() }

// NewFromConfig 创建一个新的Logger实例。
// 支持通过 Config 结构体配置日志切割，级别写入共享的动态级别。
func NewFromConfig(cfg Config) *Logger {
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}

	var stdout io.Writer = os.Stdout
	if cfg.Writer != nil {
		stdout = cfg.Writer
	}

	var handler slog.Handler
	// 如果配置了文件路径，则使用 lumberjack 进行日志切割
	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		handler = slog.NewJSONHandler(fileWriter, opts)
		if cfg.Stdout {
			handler = newMultiHandler(handler, slog.NewJSONHandler(stdout, opts))
		}
	} else {
		handler = slog.NewJSONHandler(stdout, opts)
	}

	logger := slog.New(&TraceHandler{Handler: handler}).With(
		slog.String("service", cfg.Service),
		slog.String("module", cfg.Module),
	)

	return &Logger{
		Logger:  logger,
		Service: cfg.Service,
		Module:  cfg.Module,
	}
}

// NewLogger 是创建一个带有简单参数的 logger 的兼容别名。
func NewLogger(service, module string, level ...string) *Logger {
	lvl := "info"
	if len(level) > 0 {
		lvl = level[0]
	}
	return NewFromConfig(Config{
		Service: service,
		Module:  module,
		Level:   lvl,
	})
}

// InitLogger 初始化全局默认日志记录器，只有第一次调用生效。
func InitLogger(cfg Config) {
	once.Do(func() {
		defaultLogger = NewFromConfig(cfg)
		slog.SetDefault(defaultLogger.Logger)
	})
}

// SetDefault 替换全局默认日志记录器。
func SetDefault(l *Logger) {
	once.Do(func() {})
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// Default 返回默认日志记录器实例
func Default() *Logger {
	InitLogger(Config{Service: "quantcore", Module: "default", Level: "info"})
	return defaultLogger
}

// Info 记录 Info 级别日志
func Info(ctx context.Context, msg string, args ...any) {
	Default().InfoContext(ctx, msg, args...)
}

// Warn 记录 Warn 级别日志
func Warn(ctx context.Context, msg string, args ...any) {
	Default().WarnContext(ctx, msg, args...)
}

// Error 记录 Error 级别日志
func Error(ctx context.Context, msg string, args ...any) {
	Default().ErrorContext(ctx, msg, args...)
}

// Debug 记录 Debug 级别日志
func Debug(ctx context.Context, msg string, args ...any) {
	Default().DebugContext(ctx, msg, args...)
}

// LogDuration 记录操作耗时
func LogDuration(ctx context.Context, operation string, args ...any) func() {
	start := time.Now()
	return func() {
		// 将耗时附加到日志参数中
		logArgs := append(args, "duration", time.Since(start))
		Info(ctx, fmt.Sprintf("%s finished", operation), logArgs...)
	}
}
