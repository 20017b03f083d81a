package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"24h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述服务运行参数：监听端口、缓存目录、缓冲池与日志。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	WebSocketPath   string   `mapstructure:"WebSocketPath"`
	CacheDirectory  string   `mapstructure:"CacheDirectory"`
	BufferSize      int      `mapstructure:"BufferSize"`
	BufferPoolSize  int      `mapstructure:"BufferPoolSize"`
	StreamMaxAge    Duration `mapstructure:"StreamMaxAge"`
	CleanupInterval Duration `mapstructure:"CleanupInterval"`
	MaxFrameSize    int64    `mapstructure:"MaxFrameSize"`
	MaxReadSize     int64    `mapstructure:"MaxReadSize"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// ListenAddr 返回 Fiber 监听地址，例如 ":8080"。
func (g GlobalConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", g.ListenPort)
}
