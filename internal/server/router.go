package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/stream-cache/internal/bufpool"
	"github.com/any-hub/stream-cache/internal/metrics"
	"github.com/any-hub/stream-cache/internal/stream"
)

const (
	defaultAcquireTimeout = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// AppOptions carries the collaborators NewApp wires into the Fiber app.
type AppOptions struct {
	Logger   *logrus.Logger
	Streams  *stream.Registry
	Pool     *bufpool.Pool
	Sessions *SessionRegistry
	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Path is the WebSocket upgrade endpoint, e.g. "/ws".
	Path         string
	MaxFrameSize int64
	MaxReadSize  int64
	// AcquireTimeout bounds the wait for a staging buffer per binary frame.
	AcquireTimeout time.Duration
	// WriteTimeout bounds each outgoing frame.
	WriteTimeout time.Duration
}

const contextKeyRequestID = "_streamcache_request_id"

// NewApp builds a Fiber application with recover and request-id middleware
// and the WebSocket endpoint mounted at opts.Path.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("stream registry is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("buffer pool is required")
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessionRegistry()
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("invalid websocket path: %q", opts.Path)
	}
	if opts.MaxFrameSize <= 0 {
		return nil, fmt.Errorf("invalid max frame size: %d", opts.MaxFrameSize)
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get(opts.Path, websocketHandler(opts))

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
