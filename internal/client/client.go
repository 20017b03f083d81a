// Package client speaks the stream-cache protocol over a WebSocket
// connection: START/STOP/GET control messages plus binary payload frames.
// A Client is safe for concurrent use, but requests are serialised because
// replies carry no correlation id.
//
// Payload frames are not acknowledged, yet the server answers a rejected
// frame with ERROR. Before the first request after a run of payload frames
// the client sends a ping; the server handles frames in order, so every
// ERROR that arrives ahead of the pong belongs to those frames and is kept
// for Rejected instead of being taken as the request's reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/any-hub/stream-cache/internal/protocol"
)

// DefaultChunkSize matches the server's default staging buffer.
const DefaultChunkSize = 64 * 1024

const controlWriteWait = 5 * time.Second

// ServerError is an ERROR reply from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

var (
	// ErrUnexpectedReply means the server answered with a frame the request
	// did not expect. The connection is out of step afterwards and the client
	// refuses further requests.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrFrameRejected wraps the ServerError sent for a payload frame.
	ErrFrameRejected = errors.New("payload frame rejected")
)

// Options tunes Dial.
type Options struct {
	HandshakeTimeout time.Duration
	// ReplyTimeout bounds the wait for each reply; zero disables it.
	ReplyTimeout time.Duration
	Header       http.Header
}

// Client is one protocol connection.
type Client struct {
	conn         *websocket.Conn
	replyTimeout time.Duration

	mu sync.Mutex
	// unsynced 表示上次请求之后发送过负载帧，下一次请求前需要 ping 分界。
	unsynced bool
	barrier  uint64
	pong     string
	rejected error
	// broken 记录使连接失步的错误，之后的调用直接返回它。
	broken error
}

// Dial connects to a stream-cache WebSocket endpoint such as
// ws://localhost:8080/ws.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{conn: conn, replyTimeout: opts.ReplyTimeout}
	// pong 在 ReadMessage 内部处理，调用方已持有 c.mu。
	conn.SetPongHandler(func(data string) error {
		c.pong = data
		return nil
	})
	return c, nil
}

// Start binds streamID to this connection on the server.
func (c *Client) Start(streamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control(protocol.Message{Type: protocol.TypeStart, StreamID: streamID}, protocol.TypeStarted)
}

// Stop finalizes streamID.
func (c *Client) Stop(streamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control(protocol.Message{Type: protocol.TypeStop, StreamID: streamID}, protocol.TypeStopped)
}

// Write sends one binary payload frame. The server does not acknowledge
// payload frames; a rejection is collected by the next request and reported
// by Rejected.
func (c *Client) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return c.broken
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return c.breakWith(fmt.Errorf("write frame: %w", err))
	}
	c.unsynced = true
	return nil
}

// Rejected returns and clears the first rejection of a payload frame seen
// since the last call. It wraps ErrFrameRejected and a *ServerError.
func (c *Client) Rejected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.rejected
	c.rejected = nil
	return err
}

// Get reads up to length bytes of streamID at offset. An empty result means
// no data is available at that offset.
func (c *Client) Get(streamID string, offset, length int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind, data, err := c.request(protocol.Message{Type: protocol.TypeGet, StreamID: streamID, Offset: offset, Length: length})
	if err != nil {
		return nil, err
	}
	if kind == websocket.BinaryMessage {
		return data, nil
	}
	return nil, c.replyError(data, protocol.TypeGet)
}

// Upload runs START, streams r in chunkSize frames and finishes with STOP.
// It returns the number of bytes sent. When the server rejected any frame
// the stream is still finalized, and the error wraps ErrFrameRejected.
func (c *Client) Upload(ctx context.Context, streamID string, r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := c.Start(streamID); err != nil {
		return 0, err
	}
	// START 之前写入的帧与本次上传无关。
	_ = c.Rejected()

	buf := make([]byte, chunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := c.Write(buf[:n]); err != nil {
				return sent, fmt.Errorf("write chunk: %w", err)
			}
			sent += int64(n)
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return sent, fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := c.Stop(streamID); err != nil {
		return sent, err
	}
	if err := c.Rejected(); err != nil {
		return sent, fmt.Errorf("upload %s: %w", streamID, err)
	}
	return sent, nil
}

// Download issues GET requests from offset 0 until the server returns an
// empty frame, copying the data to w.
func (c *Client) Download(ctx context.Context, streamID string, w io.Writer, chunkSize int64) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		data, err := c.Get(streamID, offset, chunkSize)
		if err != nil {
			return offset, err
		}
		if len(data) == 0 {
			return offset, nil
		}
		if _, err := w.Write(data); err != nil {
			return offset, fmt.Errorf("write sink: %w", err)
		}
		offset += int64(len(data))
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) control(msg protocol.Message, want protocol.MessageType) error {
	kind, data, err := c.request(msg)
	if err != nil {
		return err
	}
	if kind != websocket.TextMessage {
		return c.breakWith(fmt.Errorf("%w: binary frame to %s", ErrUnexpectedReply, msg.Type))
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return c.breakWith(err)
	}
	if reply.Type == want {
		return nil
	}
	return c.replyError(data, msg.Type)
}

// request sends msg and returns its reply. Frames that arrive before the pong
// of the barrier ping are answers to earlier payload frames.
func (c *Client) request(msg protocol.Message) (int, []byte, error) {
	if c.broken != nil {
		return 0, nil, c.broken
	}

	var token string
	if c.unsynced {
		c.barrier++
		token = strconv.FormatUint(c.barrier, 10)
		if err := c.conn.WriteControl(websocket.PingMessage, []byte(token), time.Now().Add(controlWriteWait)); err != nil {
			return 0, nil, c.breakWith(fmt.Errorf("write ping: %w", err))
		}
		c.unsynced = false
	}
	if err := c.send(msg); err != nil {
		return 0, nil, c.breakWith(err)
	}

	for {
		kind, data, err := c.read()
		if err != nil {
			return 0, nil, c.breakWith(err)
		}
		if token == "" || c.pong == token {
			return kind, data, nil
		}
		if err := c.collectRejection(kind, data); err != nil {
			return 0, nil, c.breakWith(err)
		}
	}
}

func (c *Client) collectRejection(kind int, data []byte) error {
	if kind != websocket.TextMessage {
		return fmt.Errorf("%w: binary frame for a payload frame", ErrUnexpectedReply)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeError {
		return fmt.Errorf("%w: %s for a payload frame", ErrUnexpectedReply, reply.Type)
	}
	if c.rejected == nil {
		c.rejected = fmt.Errorf("%w: %w", ErrFrameRejected, &ServerError{Message: reply.Message})
	}
	return nil
}

func (c *Client) breakWith(err error) error {
	if c.broken == nil {
		c.broken = err
	}
	return err
}

func (c *Client) send(msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) read() (int, []byte, error) {
	if c.replyTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.replyTimeout)); err != nil {
			return 0, nil, err
		}
	}
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, fmt.Errorf("read reply: %w", err)
	}
	return kind, data, nil
}

// replyError turns a non-matching reply into an error. ERROR keeps the
// client usable; anything else means replies are out of step.
func (c *Client) replyError(data []byte, request protocol.MessageType) error {
	reply, err := protocol.Decode(data)
	if err != nil {
		return c.breakWith(err)
	}
	if reply.Type == protocol.TypeError {
		return &ServerError{Message: reply.Message}
	}
	return c.breakWith(fmt.Errorf("%w: %s to %s", ErrUnexpectedReply, reply.Type, request))
}
