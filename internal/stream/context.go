package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/any-hub/stream-cache/internal/cache"
)

// Context is the server-side state of one stream. The write cursor is assigned
// by the server, so chunks land in the order WriteChunk is called.
type Context struct {
	id        string
	cachePath string
	store     cache.ByteStore
	createdAt time.Time
	now       func() time.Time

	// lastAccessed 以 UnixNano 存储，清理扫描时无需获取 mu。
	lastAccessed atomic.Int64
	// removed 在注册表删除后置位，阻止持有旧指针的调用方重新创建文件。
	removed atomic.Bool

	mu            sync.Mutex
	currentOffset int64
	totalSize     int64
	status        Status
	failReason    string
}

// Info is a point-in-time copy of a Context, safe to hand to callers that
// must not hold the stream lock.
type Info struct {
	ID             string
	CachePath      string
	CurrentOffset  int64
	TotalSize      int64
	Status         Status
	FailReason     string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func newContext(id, cachePath string, store cache.ByteStore, now func() time.Time) *Context {
	created := now()
	c := &Context{
		id:        id,
		cachePath: cachePath,
		store:     store,
		createdAt: created,
		now:       now,
		status:    StatusUploading,
	}
	c.lastAccessed.Store(created.UnixNano())
	return c
}

func (c *Context) ID() string           { return c.id }
func (c *Context) CachePath() string    { return c.cachePath }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// LastAccessedAt reports when the stream was last created, written, read or
// looked up.
func (c *Context) LastAccessedAt() time.Time {
	return time.Unix(0, c.lastAccessed.Load())
}

func (c *Context) touch() {
	c.lastAccessed.Store(c.now().UnixNano())
}

func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Context) CurrentOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentOffset
}

func (c *Context) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Info returns a snapshot of the stream.
func (c *Context) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:             c.id,
		CachePath:      c.cachePath,
		CurrentOffset:  c.currentOffset,
		TotalSize:      c.totalSize,
		Status:         c.status,
		FailReason:     c.failReason,
		CreatedAt:      c.createdAt,
		LastAccessedAt: c.LastAccessedAt(),
	}
}

// WriteChunk appends data at the current cursor. Only Uploading streams accept
// writes; a store failure leaves cursor and status untouched.
func (c *Context) WriteChunk(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed.Load() {
		return fmt.Errorf("%w: %s", ErrNotFound, c.id)
	}
	if c.status != StatusUploading {
		return fmt.Errorf("%w: write to %s stream %s", ErrInvalidState, c.status, c.id)
	}
	if len(data) == 0 {
		c.touch()
		return nil
	}

	n, err := c.store.Write(c.currentOffset, data)
	if err != nil {
		if size := c.store.Size(); size != c.totalSize {
			// 回滚失败，文件长度与游标不再一致，后续写入无法保证顺序。
			c.failLocked(fmt.Sprintf("store size %d diverged from committed %d", size, c.totalSize))
		}
		return fmt.Errorf("write chunk to %s at %d: %w", c.id, c.currentOffset, err)
	}
	c.currentOffset += int64(n)
	c.totalSize += int64(n)
	c.touch()
	return nil
}

// DiscardTail drops the last n committed bytes of an Uploading stream. It
// takes back a payload frame whose transfer broke off after part of it was
// written.
func (c *Context) DiscardTail(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed.Load() {
		return fmt.Errorf("%w: %s", ErrNotFound, c.id)
	}
	if c.status != StatusUploading {
		return fmt.Errorf("%w: discard from %s stream %s", ErrInvalidState, c.status, c.id)
	}
	if n <= 0 {
		return nil
	}
	if n > c.totalSize {
		return fmt.Errorf("discard %d bytes from %s: only %d committed", n, c.id, c.totalSize)
	}

	size := c.totalSize - n
	if err := c.store.Resize(size); err != nil {
		if got := c.store.Size(); got != c.totalSize && got != size {
			c.failLocked(fmt.Sprintf("store size %d diverged during discard", got))
		}
		return fmt.Errorf("discard tail of %s: %w", c.id, err)
	}
	c.currentOffset = size
	c.totalSize = size
	c.touch()
	return nil
}

// Finalize trims the store to the committed size, flushes it and moves the
// stream to Ready.
func (c *Context) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed.Load() {
		return fmt.Errorf("%w: %s", ErrNotFound, c.id)
	}
	if c.status != StatusUploading {
		return fmt.Errorf("%w: finalize %s stream %s", ErrInvalidState, c.status, c.id)
	}
	if err := c.store.Finalize(c.totalSize); err != nil {
		return fmt.Errorf("finalize %s: %w", c.id, err)
	}
	c.status = StatusReady
	c.touch()
	return nil
}

// ReadChunk reads from the backing store regardless of status, so readers may
// trail a stream that is still uploading.
func (c *Context) ReadChunk(offset, length int64) ([]byte, error) {
	if c.removed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, c.id)
	}
	data, err := c.store.Read(offset, length)
	if err != nil {
		return nil, fmt.Errorf("read chunk from %s at %d: %w", c.id, offset, err)
	}
	c.touch()
	return data, nil
}

// Fail moves the stream to Error. The stream stays readable and deletable.
func (c *Context) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(reason)
}

func (c *Context) failLocked(reason string) {
	c.status = StatusError
	c.failReason = reason
}
