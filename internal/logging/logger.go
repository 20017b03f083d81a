package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/stream-cache/internal/config"
	"github.com/any-hub/stream-cache/internal/version"
)

// ServiceName 写入每条日志的 service 字段。
const ServiceName = "stream-cache"

// New 构建服务日志。未配置 LogFilePath 时写 console；日志文件不可写时同样退回
// console 并记录一条 logger_fallback 警告。返回的 io.Closer 在停机时关闭日志文件，
// 对 console 输出为空操作。
func New(cfg config.GlobalConfig, console io.Writer) (*logrus.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if console == nil {
		console = os.Stdout
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{fields: ServiceFields()})

	if cfg.LogFilePath == "" {
		logger.SetOutput(console)
		return logger, nopCloser{}, nil
	}

	rotator, err := openRotator(cfg)
	if err != nil {
		logger.SetOutput(console)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(err).Warn("log file unavailable, writing to console")
		return logger, nopCloser{}, nil
	}
	logger.SetOutput(rotator)
	return logger, rotator, nil
}

// ServiceFields 返回附加到每条日志的服务标识。
func ServiceFields() logrus.Fields {
	return logrus.Fields{
		"service": ServiceName,
		"version": version.Version,
		"commit":  version.Revision(),
	}
}

func parseLevel(raw string) (logrus.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

// openRotator 先以追加方式打开一次目标文件确认可写。lumberjack 在首次写入时
// 才打开文件，届时的失败不会返回给调用方。
func openRotator(cfg config.GlobalConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close log file: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 为缺少服务字段的记录补齐 service/version/commit。
type serviceHook struct {
	fields logrus.Fields
}

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
