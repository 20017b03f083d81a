package config

import (
	"errors"
	"strings"
)

// diagnosticsPrefix 为诊断接口保留的路径前缀，WebSocket 路径不得占用。
const diagnosticsPrefix = "/-/"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if err := validateWebSocketPath(g.WebSocketPath); err != nil {
		return newFieldError(globalField("WebSocketPath"), err.Error())
	}
	if strings.TrimSpace(g.CacheDirectory) == "" {
		return newFieldError(globalField("CacheDirectory"), "不能为空")
	}
	if g.BufferSize <= 0 {
		return newFieldError(globalField("BufferSize"), "必须大于 0")
	}
	if g.BufferPoolSize <= 0 {
		return newFieldError(globalField("BufferPoolSize"), "必须大于 0")
	}
	if g.StreamMaxAge.DurationValue() <= 0 {
		return newFieldError(globalField("StreamMaxAge"), "必须大于 0")
	}
	if g.CleanupInterval.DurationValue() <= 0 {
		return newFieldError(globalField("CleanupInterval"), "必须大于 0")
	}
	if g.MaxFrameSize <= 0 {
		return newFieldError(globalField("MaxFrameSize"), "必须大于 0")
	}
	if g.MaxReadSize <= 0 {
		return newFieldError(globalField("MaxReadSize"), "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}
	return nil
}

func validateWebSocketPath(path string) error {
	switch {
	case !strings.HasPrefix(path, "/"):
		return errors.New("必须以 / 开头")
	case strings.ContainsAny(path, " ?#"):
		return errors.New("不允许包含空格、查询或片段")
	case path == "/-" || strings.HasPrefix(path, diagnosticsPrefix):
		return errors.New("/-/ 前缀保留给诊断接口")
	}
	return nil
}
