package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/stream-cache/internal/cache"
	"github.com/any-hub/stream-cache/internal/stream"
)

// DefaultMaxReadSize caps a single GET response when Options leaves it unset.
const DefaultMaxReadSize int64 = 1 << 20

// Sender delivers frames back to the client. Implementations must serialise
// concurrent calls.
type Sender interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
}

// Streams is the subset of *stream.Registry a session drives.
type Streams interface {
	CreateStream(id string) error
	WriteChunk(id string, data []byte) error
	ReadChunk(id string, offset, length int64) ([]byte, error)
	FinalizeStream(id string) error
	DiscardTail(id string, n int64) error
}

// Observer receives per-session counters. Metrics implements it.
type Observer interface {
	BytesReceived(n int)
	BytesSent(n int)
	ProtocolError(t MessageType)
}

// Options tunes a Session.
type Options struct {
	MaxReadSize int64
	Logger      *logrus.Logger
	Observer    Observer
}

// Session is the protocol state of one connection: the stream bound by START
// plus the collaborators frames are routed to. A Session is not safe for
// concurrent use; the transport feeds it frames in arrival order.
type Session struct {
	id          string
	streams     Streams
	sender      Sender
	maxReadSize int64
	logger      *logrus.Entry
	observer    Observer

	bound string
}

// NewSession builds a session for one connection.
func NewSession(id string, streams Streams, sender Sender, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	maxRead := opts.MaxReadSize
	if maxRead <= 0 {
		maxRead = DefaultMaxReadSize
	}

	return &Session{
		id:          id,
		streams:     streams,
		sender:      sender,
		maxReadSize: maxRead,
		logger:      logger.WithField("session_id", id),
		observer:    observer,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// BoundStream returns the stream id set by START, or "" when none is bound.
func (s *Session) BoundStream() string { return s.bound }

// HandleText routes one control message. Protocol problems are answered with
// ERROR and return nil; only a failure to send is returned.
func (s *Session) HandleText(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return s.fail(TypeUnknown, err.Error())
	}

	switch msg.Type {
	case TypeStart:
		return s.handleStart(msg)
	case TypeStop:
		return s.handleStop(msg)
	case TypeGet:
		return s.handleGet(msg)
	default:
		return s.fail(TypeUnknown, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// HandleBinary appends one payload frame to the bound stream.
func (s *Session) HandleBinary(data []byte) error {
	if s.bound == "" {
		return s.fail(TypeBinary, "no active stream: send START first")
	}
	if err := s.streams.WriteChunk(s.bound, data); err != nil {
		return s.fail(TypeBinary, describe(s.bound, err))
	}
	s.observer.BytesReceived(len(data))
	return nil
}

// HandleBinaryFrom streams one payload frame from r into the bound stream,
// staging it through buf so large frames never need a frame-sized
// allocation. A frame is stored whole or not at all: when a storage write or
// the read of r fails part way, the chunks already committed for this frame
// are discarded again. A storage failure answers ERROR; a read failure is
// returned.
func (s *Session) HandleBinaryFrom(r io.Reader, buf []byte) error {
	if s.bound == "" {
		return s.fail(TypeBinary, "no active stream: send START first")
	}
	if len(buf) == 0 {
		return errors.New("staging buffer is empty")
	}

	var committed int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := s.streams.WriteChunk(s.bound, buf[:n]); err != nil {
				s.discardFrame(committed)
				return s.fail(TypeBinary, describe(s.bound, err))
			}
			committed += int64(n)
			s.observer.BytesReceived(n)
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			s.discardFrame(committed)
			return fmt.Errorf("read binary frame: %w", readErr)
		}
	}
}

// RejectBinary answers a payload frame the transport could not accept.
func (s *Session) RejectBinary(reason string) error {
	return s.fail(TypeBinary, reason)
}

func (s *Session) discardFrame(committed int64) {
	if committed == 0 {
		return
	}
	if err := s.streams.DiscardTail(s.bound, committed); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action":     "frame_discard",
			"stream_id":  s.bound,
			"size_bytes": committed,
		}).WithError(err).Warn("partial frame left in stream")
	}
}

func (s *Session) handleStart(msg Message) error {
	if msg.StreamID == "" {
		return s.fail(TypeStart, "START requires streamId")
	}
	if err := s.streams.CreateStream(msg.StreamID); err != nil {
		return s.fail(TypeStart, describe(msg.StreamID, err))
	}

	if s.bound != "" && s.bound != msg.StreamID {
		s.logger.WithFields(logrus.Fields{
			"action":    "session_rebind",
			"stream_id": msg.StreamID,
			"previous":  s.bound,
		}).Warn("START replaced an unfinished binding")
	}
	s.bound = msg.StreamID
	s.logger.WithFields(logrus.Fields{"action": "stream_start", "stream_id": msg.StreamID}).Debug("stream started")
	return s.send(Started(msg.StreamID))
}

func (s *Session) handleStop(msg Message) error {
	id := msg.StreamID
	if id == "" {
		id = s.bound
	}
	if id == "" {
		return s.fail(TypeStop, "STOP requires streamId")
	}
	if err := s.streams.FinalizeStream(id); err != nil {
		return s.fail(TypeStop, describe(id, err))
	}

	if s.bound == id {
		s.bound = ""
	}
	s.logger.WithFields(logrus.Fields{"action": "stream_stop", "stream_id": id}).Debug("stream finalized")
	return s.send(Stopped(id))
}

func (s *Session) handleGet(msg Message) error {
	if msg.StreamID == "" {
		return s.fail(TypeGet, "GET requires streamId")
	}
	if msg.Offset < 0 {
		return s.fail(TypeGet, fmt.Sprintf("invalid offset: %d", msg.Offset))
	}
	if msg.Length <= 0 {
		return s.fail(TypeGet, fmt.Sprintf("invalid length: %d", msg.Length))
	}

	length := min(msg.Length, s.maxReadSize)
	data, err := s.streams.ReadChunk(msg.StreamID, msg.Offset, length)
	if err != nil {
		return s.fail(TypeGet, describe(msg.StreamID, err))
	}
	// 越过数据末尾时发送零长度帧，客户端以此结束下载循环。
	if err := s.sender.SendBinary(data); err != nil {
		return err
	}
	s.observer.BytesSent(len(data))
	return nil
}

func (s *Session) send(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return s.sender.SendText(payload)
}

func (s *Session) fail(t MessageType, text string) error {
	s.observer.ProtocolError(t)
	s.logger.WithFields(logrus.Fields{
		"action":       "protocol_error",
		"message_type": string(t),
		"bound_stream": s.bound,
	}).Debug(text)
	return s.send(Error(text))
}

// describe turns a core error into the short reason sent to the client,
// keeping filesystem paths out of the wire.
func describe(id string, err error) string {
	switch {
	case errors.Is(err, stream.ErrNotFound):
		return fmt.Sprintf("stream %s not found", id)
	case errors.Is(err, stream.ErrDuplicate):
		return fmt.Sprintf("stream %s already exists", id)
	case errors.Is(err, stream.ErrInvalidState):
		return fmt.Sprintf("stream %s is not uploading", id)
	case errors.Is(err, stream.ErrInvalidID):
		return fmt.Sprintf("invalid stream id %q", id)
	case errors.Is(err, cache.ErrCreate):
		return fmt.Sprintf("failed to create storage for stream %s", id)
	case errors.Is(err, cache.ErrNotFound):
		return fmt.Sprintf("storage for stream %s is missing", id)
	default:
		return fmt.Sprintf("storage error on stream %s", id)
	}
}

type nopObserver struct{}

func (nopObserver) BytesReceived(int)         {}
func (nopObserver) BytesSent(int)             {}
func (nopObserver) ProtocolError(MessageType) {}
