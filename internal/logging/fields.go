package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SessionFields 描述一个 WebSocket 会话，供连接建立与断开日志复用。
func SessionFields(sessionID, remoteAddr, requestID string) logrus.Fields {
	return logrus.Fields{
		"session_id":  sessionID,
		"remote_addr": remoteAddr,
		"request_id":  requestID,
	}
}

// StreamFields 提供流 id、状态与大小字段。
func StreamFields(streamID, status string, sizeBytes int64) logrus.Fields {
	return logrus.Fields{
		"stream_id":  streamID,
		"status":     status,
		"size_bytes": sizeBytes,
	}
}
