package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/stream-cache/internal/config"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("日志行不是 JSON: %v (%s)", err, scanner.Text())
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestNewWritesJSONToConsoleWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.GlobalConfig{LogLevel: "info"}, &buf)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != &buf {
		t.Fatalf("未指定文件时应输出到 console")
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("应使用 JSON 格式输出")
	}

	logger.WithField("action", "startup").Info("ready")
	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("期望 1 行日志，得到 %d", len(lines))
	}
	entry := lines[0]
	if entry["service"] != ServiceName || entry["version"] == nil || entry["commit"] == nil {
		t.Fatalf("缺少服务字段: %v", entry)
	}
	if entry["action"] != "startup" {
		t.Fatalf("调用方字段丢失: %v", entry)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("console closer 应为空操作: %v", err)
	}
}

func TestNewLevels(t *testing.T) {
	if _, _, err := New(config.GlobalConfig{LogLevel: "chatty"}, nil); err == nil {
		t.Fatalf("未知日志级别应报错")
	}
	logger, _, err := New(config.GlobalConfig{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("空级别应使用默认值: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("默认级别应为 info，得到 %s", logger.GetLevel())
	}
}

func TestNewFallsBackWhenLogFileIsNotWritable(t *testing.T) {
	// 目录无法作为文件打开，root 下同样失败。
	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closer, err := New(config.GlobalConfig{LogLevel: "info", LogFilePath: dir}, &buf)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != &buf {
		t.Fatalf("fallback 时应退回 console")
	}
	if !strings.Contains(buf.String(), `"action":"logger_fallback"`) {
		t.Fatalf("fallback 应记录警告，得到 %s", buf.String())
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("fallback closer 应为空操作: %v", err)
	}
}

func TestNewWritesRotatingFileAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stream-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path, LogMaxSize: 1}
	logger, closer, err := New(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}

	logger.WithFields(StreamFields("s1", "ready", 10)).Info("finalized")
	logger.WithField("version", "override").Debug("explicit field wins")
	if err := closer.Close(); err != nil {
		t.Fatalf("关闭日志文件失败: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
	lines := decodeLines(t, data)
	if len(lines) != 2 {
		t.Fatalf("期望 2 行日志，得到 %d", len(lines))
	}
	if lines[0]["stream_id"] != "s1" || lines[0]["service"] != ServiceName {
		t.Fatalf("文件日志字段错误: %v", lines[0])
	}
	if lines[1]["version"] != "override" {
		t.Fatalf("调用方字段不应被覆盖: %v", lines[1])
	}
}

func TestFieldHelpers(t *testing.T) {
	fields := SessionFields("sess", "127.0.0.1:1", "req")
	if fields["session_id"] != "sess" || fields["request_id"] != "req" {
		t.Fatalf("会话字段错误: %v", fields)
	}
	if BaseFields("startup", "config.toml")["action"] != "startup" {
		t.Fatalf("基础字段缺少 action")
	}
}
