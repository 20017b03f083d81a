package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/stream-cache/internal/logging"
	"github.com/any-hub/stream-cache/internal/metrics"
	"github.com/any-hub/stream-cache/internal/protocol"
)

const busyMessage = "server busy: no staging buffer available"

// websocketHandler 升级连接并为每个连接启动一个串行读循环。
func websocketHandler(opts AppOptions) fiber.Handler {
	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(*fasthttp.RequestCtx) bool {
			return true
		},
	}

	return func(c fiber.Ctx) error {
		ctx := c.RequestCtx()
		if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
			return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
				"error": "websocket_upgrade_required",
			})
		}

		// fiber.Ctx 在处理函数返回后被回收，升级回调中只能使用拷贝出来的值。
		requestID := RequestID(c)
		remoteAddr := ctx.RemoteAddr().String()

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			serveConn(conn, opts, requestID, remoteAddr)
		})
		if err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":      "websocket_upgrade",
				"request_id":  requestID,
				"remote_addr": remoteAddr,
			}).WithError(err).Warn("websocket upgrade failed")
		}
		return nil
	}
}

// connection adapts a websocket.Conn to protocol.Sender and owns the read loop.
type connection struct {
	conn    *websocket.Conn
	opts    AppOptions
	session *protocol.Session
	live    *liveSession
	logger  *logrus.Entry

	writeMu sync.Mutex
}

func serveConn(conn *websocket.Conn, opts AppOptions, requestID, remoteAddr string) {
	sessionID := uuid.NewString()
	conn.SetReadLimit(opts.MaxFrameSize)

	c := &connection{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.WithFields(logging.SessionFields(sessionID, remoteAddr, requestID)),
	}

	var observer protocol.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	c.session = protocol.NewSession(sessionID, opts.Streams, c, protocol.Options{
		MaxReadSize: opts.MaxReadSize,
		Logger:      opts.Logger,
		Observer:    observer,
	})
	c.live = opts.Sessions.add(SessionInfo{
		ID:          sessionID,
		RemoteAddr:  remoteAddr,
		RequestID:   requestID,
		ConnectedAt: time.Now(),
	}, conn.Close)
	opts.Metrics.SessionOpened()

	defer func() {
		opts.Sessions.remove(sessionID)
		_ = conn.Close()
	}()

	c.logger.WithField("action", "session_open").Info("websocket session opened")
	err := c.readLoop()
	c.logClosed(err)
}

func (c *connection) readLoop() error {
	for {
		kind, r, err := c.conn.NextReader()
		if err != nil {
			return err
		}

		switch kind {
		case websocket.TextMessage:
			c.opts.Metrics.FrameReceived(metrics.FrameText)
			data, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read text frame: %w", err)
			}
			if err := c.session.HandleText(data); err != nil {
				return err
			}
			c.live.bound.Store(c.session.BoundStream())
		case websocket.BinaryMessage:
			c.opts.Metrics.FrameReceived(metrics.FrameBinary)
			if err := c.handleBinary(r); err != nil {
				return err
			}
		}
	}
}

// handleBinary 从缓冲池借用暂存区，将帧分块写入绑定的流。
func (c *connection) handleBinary(r io.Reader) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AcquireTimeout)
	buf, err := c.opts.Pool.Acquire(ctx)
	cancel()
	if err != nil {
		c.opts.Metrics.PoolTimeout()
		c.logger.WithFields(logrus.Fields{
			"action":       "pool_acquire",
			"bound_stream": c.session.BoundStream(),
		}).WithError(err).Warn("binary frame rejected")
		// 未读取的帧数据会在下一次 NextReader 时被丢弃。
		return c.session.RejectBinary(busyMessage)
	}
	defer func() {
		if err := c.opts.Pool.Release(buf); err != nil {
			c.logger.WithError(err).Error("staging buffer release failed")
		}
	}()

	return c.session.HandleBinaryFrom(r, buf)
}

// SendText implements protocol.Sender.
func (c *connection) SendText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// SendBinary implements protocol.Sender.
func (c *connection) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *connection) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

func (c *connection) logClosed(err error) {
	entry := c.logger.WithFields(logrus.Fields{
		"action":       "session_close",
		"bound_stream": c.session.BoundStream(),
	})
	switch {
	case err == nil,
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		entry.Info("websocket session closed")
	case errors.Is(err, websocket.ErrReadLimit):
		entry.WithField("max_frame_size", c.opts.MaxFrameSize).Warn("frame exceeded read limit")
	default:
		entry.WithError(err).Warn("websocket session ended")
	}
}
