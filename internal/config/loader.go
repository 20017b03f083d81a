package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 为环境变量覆盖的前缀，例如 STREAM_CACHE_LISTENPORT。
const EnvPrefix = "STREAM_CACHE"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDirectory)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDirectory = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("WebSocketPath", "/ws")
	v.SetDefault("CacheDirectory", "./stream_cache")
	v.SetDefault("BufferSize", 64*1024)
	v.SetDefault("BufferPoolSize", 100)
	v.SetDefault("StreamMaxAge", "24h")
	v.SetDefault("CleanupInterval", "1h")
	v.SetDefault("MaxFrameSize", 16*1024*1024)
	v.SetDefault("MaxReadSize", 1024*1024)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	g.WebSocketPath = strings.TrimSpace(g.WebSocketPath)
	if g.WebSocketPath == "" {
		g.WebSocketPath = "/ws"
	}
	if g.StreamMaxAge.DurationValue() == 0 {
		g.StreamMaxAge = Duration(24 * time.Hour)
	}
	if g.CleanupInterval.DurationValue() == 0 {
		g.CleanupInterval = Duration(time.Hour)
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
