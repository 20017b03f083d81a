package stream

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/stream-cache/internal/cache"
)

const (
	cacheFileSuffix = ".cache"
	maxIDLength     = 200
)

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// StoreFactory builds the ByteStore for a cache path.
type StoreFactory func(path string) cache.ByteStore

// Registry maps stream ids to their Context. Build one at startup and inject
// it wherever streams are touched.
type Registry struct {
	dir      string
	logger   *logrus.Logger
	now      func() time.Time
	newStore StoreFactory
	// onReclaim 在清理扫描删除流后调用，用于指标上报。
	onReclaim func(ids []string)

	mu      sync.RWMutex
	streams map[string]*Context

	// removing 保留正在删除文件的 id，删除完成前 CreateStream 不得复用同一路径。
	removing map[string]struct{}
	// orphans 记录删除失败的文件，下一次清理扫描重试。
	orphans map[string]string
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for idle-sweep tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStoreFactory replaces the file-backed ByteStore constructor.
func WithStoreFactory(factory StoreFactory) Option {
	return func(r *Registry) {
		if factory != nil {
			r.newStore = factory
		}
	}
}

// WithReclaimHook registers fn to run after the idle sweep removes streams.
func WithReclaimHook(fn func(ids []string)) Option {
	return func(r *Registry) {
		r.onReclaim = fn
	}
}

// NewRegistry 创建缓存目录并验证可写。目录不可用时返回错误，调用方应终止启动。
func NewRegistry(dir string, opts ...Option) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("cache directory required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := probeWritable(abs); err != nil {
		return nil, err
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	r := &Registry{
		dir:      abs,
		logger:   quiet,
		now:      time.Now,
		newStore: cache.NewFileStore,
		streams:  make(map[string]*Context),
		removing: make(map[string]struct{}),
		orphans:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func probeWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// Directory returns the absolute cache directory.
func (r *Registry) Directory() string {
	return r.dir
}

// CachePath returns the backing file path for id.
func (r *Registry) CachePath(id string) string {
	return filepath.Join(r.dir, id+cacheFileSuffix)
}

// CreateStream registers a new Uploading stream with an empty backing file.
// An existing id is rejected, never overwritten.
func (r *Registry) CreateStream(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if _, busy := r.removing[id]; busy {
		return fmt.Errorf("%w: %s is still being removed", ErrDuplicate, id)
	}

	path := r.CachePath(id)
	store := r.newStore(path)
	if err := store.Create(0); err != nil {
		return fmt.Errorf("create stream %s: %w", id, err)
	}
	// Create 已替换残留文件，孤儿记录作废。
	delete(r.orphans, id)
	r.streams[id] = newContext(id, path, store, r.now)

	r.logger.WithFields(logrus.Fields{
		"action":    "stream_create",
		"stream_id": id,
		"path":      path,
	}).Debug("stream created")
	return nil
}

// GetStream looks up id and marks it as accessed.
func (r *Registry) GetStream(id string) (*Context, bool) {
	r.mu.RLock()
	c, ok := r.streams[id]
	r.mu.RUnlock()
	if ok {
		c.touch()
	}
	return c, ok
}

// Info returns a snapshot of id without marking it as accessed, so
// diagnostics do not keep idle streams alive.
func (r *Registry) Info(id string) (Info, bool) {
	c, err := r.lookup(id)
	if err != nil {
		return Info{}, false
	}
	return c.Info(), true
}

func (r *Registry) lookup(id string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// WriteChunk appends data to the stream at its current cursor.
func (r *Registry) WriteChunk(id string, data []byte) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	return c.WriteChunk(data)
}

// ReadChunk reads up to length bytes at offset. Reading at or past the end
// returns an empty slice and no error.
func (r *Registry) ReadChunk(id string, offset, length int64) ([]byte, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.ReadChunk(offset, length)
}

// DiscardTail drops the last n bytes written to an Uploading stream.
func (r *Registry) DiscardTail(id string, n int64) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	return c.DiscardTail(n)
}

// FinalizeStream moves the stream from Uploading to Ready.
func (r *Registry) FinalizeStream(id string) error {
	c, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := c.Finalize(); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"action":     "stream_finalize",
		"stream_id":  id,
		"size_bytes": c.TotalSize(),
	}).Debug("stream finalized")
	return nil
}

// DeleteStream removes the stream and its backing file. The id stays
// reserved until the file is gone; a file that cannot be removed is retried
// by the next CleanupOldStreams.
func (r *Registry) DeleteStream(id string) error {
	r.mu.Lock()
	c, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
		r.removing[id] = struct{}{}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := r.release(c, "stream_delete")
	r.finishRemoval(id, c.cachePath, err)
	return err
}

// finishRemoval 解除 id 的保留；删除失败时登记为孤儿文件。
func (r *Registry) finishRemoval(id, path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.removing, id)
	if err != nil {
		r.orphans[id] = path
	}
}

// release 在 map 锁之外等待进行中的写入结束，再删除底层文件。
func (r *Registry) release(c *Context, action string) error {
	c.mu.Lock()
	c.removed.Store(true)
	err := c.store.Remove()
	c.mu.Unlock()

	entry := r.logger.WithFields(logrus.Fields{
		"action":    action,
		"stream_id": c.id,
		"path":      c.cachePath,
	})
	if err != nil {
		entry.WithError(err).Warn("stream file removal failed")
		return fmt.Errorf("remove stream %s: %w", c.id, err)
	}
	entry.Debug("stream removed")
	return nil
}

// ListActiveStreams returns the registered ids in sorted order.
func (r *Registry) ListActiveStreams() []string {
	r.mu.RLock()
	ids := lo.Keys(r.streams)
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of registered streams.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Snapshot returns Info for every stream, sorted by id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	contexts := lo.Values(r.streams)
	r.mu.RUnlock()

	infos := lo.Map(contexts, func(c *Context, _ int) Info {
		return c.Info()
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// CleanupOldStreams deletes every stream not accessed within maxAge,
// whatever its status; abandoned uploads are reclaimed like finished ones.
// Files left behind by earlier failed removals are retried. It returns the
// ids whose files were actually removed.
func (r *Registry) CleanupOldStreams(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var expired []*Context
	for id, c := range r.streams {
		if c.LastAccessedAt().Before(cutoff) {
			expired = append(expired, c)
			delete(r.streams, id)
			r.removing[id] = struct{}{}
		}
	}
	orphans := r.orphans
	r.orphans = make(map[string]string)
	for id := range orphans {
		r.removing[id] = struct{}{}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(expired)+len(orphans))
	for _, c := range expired {
		err := r.release(c, "stream_reclaim")
		r.finishRemoval(c.id, c.cachePath, err)
		if err == nil {
			removed = append(removed, c.id)
		}
	}
	for id, path := range orphans {
		err := removeOrphan(path)
		r.finishRemoval(id, path, err)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"action":    "stream_reclaim",
				"stream_id": id,
				"path":      path,
			}).WithError(err).Warn("orphaned stream file removal failed")
			continue
		}
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

func removeOrphan(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove orphaned file %s: %w", path, err)
	}
	return nil
}

// Orphans returns the ids whose backing files are waiting for a removal
// retry, sorted.
func (r *Registry) Orphans() []string {
	r.mu.RLock()
	ids := lo.Keys(r.orphans)
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Close releases every file handle without deleting the backing files and
// empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	contexts := lo.Values(r.streams)
	r.streams = make(map[string]*Context)
	r.mu.Unlock()

	var errs []error
	for _, c := range contexts {
		c.mu.Lock()
		c.removed.Store(true)
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// ValidateID rejects ids that could not safely name a file inside the cache
// directory.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > maxIDLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, maxIDLength)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	case !validID.MatchString(id):
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidID, id)
	}
	return nil
}
