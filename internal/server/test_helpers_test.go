package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/stream-cache/internal/bufpool"
	"github.com/any-hub/stream-cache/internal/stream"
)

type testDeps struct {
	streams  *stream.Registry
	pool     *bufpool.Pool
	sessions *SessionRegistry
}

func newTestApp(t *testing.T, customize func(*AppOptions)) (*fiber.App, testDeps) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	streams, err := stream.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create stream registry: %v", err)
	}
	t.Cleanup(func() { _ = streams.Close() })

	pool, err := bufpool.New(256, 4)
	if err != nil {
		t.Fatalf("failed to create buffer pool: %v", err)
	}

	opts := AppOptions{
		Logger:         logger,
		Streams:        streams,
		Pool:           pool,
		Sessions:       NewSessionRegistry(),
		Path:           "/ws",
		MaxFrameSize:   64 * 1024,
		MaxReadSize:    1024,
		AcquireTimeout: time.Second,
	}
	customize(&opts)

	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, testDeps{streams: streams, pool: opts.Pool, sessions: opts.Sessions}
}

// startTestServer serves the app on a loopback port and returns the
// WebSocket URL.
func startTestServer(t *testing.T, customize func(*AppOptions)) (string, testDeps) {
	t.Helper()

	app, deps := newTestApp(t, customize)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() {
		_ = deps.sessions.CloseAll()
		_ = app.Shutdown()
	})

	return "ws://" + ln.Addr().String() + "/ws", deps
}
