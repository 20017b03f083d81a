// Package routes mounts the /-/ diagnostics endpoints next to the WebSocket
// transport: health, stream and session listings, pool stats and metrics.
package routes

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/samber/lo"

	"github.com/any-hub/stream-cache/internal/bufpool"
	"github.com/any-hub/stream-cache/internal/metrics"
	"github.com/any-hub/stream-cache/internal/server"
	"github.com/any-hub/stream-cache/internal/stream"
)

// Dependencies 聚合诊断接口读取的组件，Metrics 可为空。
type Dependencies struct {
	Streams  *stream.Registry
	Sessions *server.SessionRegistry
	Pool     *bufpool.Pool
	Metrics  *metrics.Metrics
}

// RegisterDiagnostics 暴露 /-/ 诊断接口，供 SRE 查询流、会话与缓冲池状态。
func RegisterDiagnostics(app *fiber.App, deps Dependencies) {
	if app == nil || deps.Streams == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"streams":  deps.Streams.Count(),
			"sessions": deps.Sessions.Count(),
		})
	})

	app.Get("/-/streams", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"streams": lo.Map(deps.Streams.Snapshot(), func(info stream.Info, _ int) streamPayload {
				return encodeStream(info)
			}),
		})
	})

	app.Get("/-/streams/:id", func(c fiber.Ctx) error {
		info, ok := deps.Streams.Info(c.Params("id"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "stream_not_found"})
		}
		return c.JSON(encodeStream(info))
	})

	app.Delete("/-/streams/:id", func(c fiber.Ctx) error {
		id := c.Params("id")
		err := deps.Streams.DeleteStream(id)
		switch {
		case err == nil:
			return c.SendStatus(fiber.StatusNoContent)
		case errors.Is(err, stream.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "stream_not_found"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stream_delete_failed"})
		}
	})

	app.Get("/-/sessions", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": lo.Map(deps.Sessions.List(), func(info server.SessionInfo, _ int) sessionPayload {
				return encodeSession(info)
			}),
		})
	})

	if deps.Pool != nil {
		app.Get("/-/pool", func(c fiber.Ctx) error {
			return c.JSON(encodePool(deps.Pool.Stats()))
		})
	}

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}
}

type streamPayload struct {
	StreamID       string    `json:"stream_id"`
	Status         string    `json:"status"`
	CurrentOffset  int64     `json:"current_offset"`
	TotalSize      int64     `json:"total_size"`
	FailReason     string    `json:"fail_reason,omitempty"`
	CacheFile      string    `json:"cache_file"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

type sessionPayload struct {
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	RequestID   string    `json:"request_id"`
	BoundStream string    `json:"bound_stream,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type poolPayload struct {
	BufferSize int   `json:"buffer_size"`
	Capacity   int   `json:"capacity"`
	Available  int   `json:"available"`
	Acquired   int64 `json:"acquired_total"`
	Waits      int64 `json:"waits_total"`
	Rejected   int64 `json:"rejected_total"`
}

func encodeStream(info stream.Info) streamPayload {
	return streamPayload{
		StreamID:       info.ID,
		Status:         info.Status.String(),
		CurrentOffset:  info.CurrentOffset,
		TotalSize:      info.TotalSize,
		FailReason:     info.FailReason,
		CacheFile:      filepath.Base(info.CachePath),
		CreatedAt:      info.CreatedAt.UTC(),
		LastAccessedAt: info.LastAccessedAt.UTC(),
	}
}

func encodeSession(info server.SessionInfo) sessionPayload {
	return sessionPayload{
		SessionID:   info.ID,
		RemoteAddr:  info.RemoteAddr,
		RequestID:   info.RequestID,
		BoundStream: info.BoundStream,
		ConnectedAt: info.ConnectedAt.UTC(),
	}
}

func encodePool(stats bufpool.Stats) poolPayload {
	return poolPayload{
		BufferSize: stats.BufferSize,
		Capacity:   stats.Capacity,
		Available:  stats.Available,
		Acquired:   stats.Acquired,
		Waits:      stats.Waits,
		Rejected:   stats.Rejected,
	}
}
