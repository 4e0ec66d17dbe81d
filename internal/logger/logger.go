package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger 全局日志实例，应用内各组件直接使用
var Logger = log.Logger

// Config 日志配置
type Config struct {
	Level        string `json:"level" yaml:"level"`                 // 日志级别：debug, info, warn, error
	Format       string `json:"format" yaml:"format"`               // 输出格式：json 或 pretty
	TimeFormat   string `json:"time_format" yaml:"time_format"`     // 时间戳格式，空则使用 RFC3339
	ReportCaller bool   `json:"report_caller" yaml:"report_caller"` // 是否记录调用方文件与行号
}

// Init 根据配置初始化全局日志记录器
func Init(config Config) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: config.TimeFormat,
			NoColor:    false,
		}
	}

	if config.TimeFormat == "" {
		zerolog.TimeFieldFormat = time.RFC3339
	} else {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	contextLogger := zerolog.New(output).
		Level(level).
		With().
		Timestamp()
	if config.ReportCaller {
		contextLogger = contextLogger.Caller()
	}

	// 同时替换包内全局实例和 zerolog 自带的全局实例
	Logger = contextLogger.Logger()
	log.Logger = Logger
}

// With 派生一个带组件名字段的子日志器
func With(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Debug 开始一条 debug 级别日志
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info 开始一条 info 级别日志
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn 开始一条 warn 级别日志
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error 开始一条 error 级别日志
func Error() *zerolog.Event {
	return Logger.Error()
}

// Fatal 开始一条 fatal 级别日志，记录后进程退出
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// Ctx 从上下文中取出日志器
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithContext 把全局日志器塞进上下文
func WithContext(ctx context.Context) context.Context {
	return Logger.WithContext(ctx)
}
