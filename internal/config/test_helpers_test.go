package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      8080,
			WebSocketPath:   "/ws",
			CacheDirectory:  "./stream_cache",
			BufferSize:      1024,
			BufferPoolSize:  4,
			StreamMaxAge:    Duration(time.Hour),
			CleanupInterval: Duration(time.Minute),
			MaxFrameSize:    1 << 20,
			MaxReadSize:     1 << 16,
			LogLevel:        "info",
		},
	}
}
