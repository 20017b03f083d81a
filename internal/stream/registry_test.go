package stream

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/stream-cache/internal/cache"
)

func TestRegistryLifecycleScenario(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.CreateStream("s1"))
	require.NoError(t, reg.WriteChunk("s1", []byte("hello")))

	c, ok := reg.GetStream("s1")
	require.True(t, ok)
	assert.Equal(t, int64(5), c.CurrentOffset())

	require.NoError(t, reg.WriteChunk("s1", []byte("world")))
	assert.Equal(t, int64(10), c.CurrentOffset())
	assert.Equal(t, int64(10), c.TotalSize())

	require.NoError(t, reg.FinalizeStream("s1"))
	assert.Equal(t, StatusReady, c.Status())

	data, err := reg.ReadChunk("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))

	data, err = reg.ReadChunk("s1", 5, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	data, err = reg.ReadChunk("s1", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, reg.DeleteStream("s1"))
	_, ok = reg.GetStream("s1")
	assert.False(t, ok)

	_, err = os.Stat(c.CachePath())
	assert.True(t, os.IsNotExist(err), "backing file should be deleted")
}

func TestRegistryRoundTripManyChunks(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("audio"))

	var want bytes.Buffer
	var total int64
	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 100+i*7)
		want.Write(chunk)
		total += int64(len(chunk))
		require.NoError(t, reg.WriteChunk("audio", chunk))
	}

	c, ok := reg.GetStream("audio")
	require.True(t, ok)
	assert.Equal(t, total, c.CurrentOffset())
	assert.Equal(t, c.CurrentOffset(), c.TotalSize())

	var got bytes.Buffer
	var offset int64
	for {
		data, err := reg.ReadChunk("audio", offset, 333)
		require.NoError(t, err)
		if len(data) == 0 {
			break
		}
		got.Write(data)
		offset += int64(len(data))
	}
	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestRegistryRejectsDuplicateCreate(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("dup"))
	require.NoError(t, reg.WriteChunk("dup", []byte("keep")))

	err := reg.CreateStream("dup")
	require.ErrorIs(t, err, ErrDuplicate)

	data, err := reg.ReadChunk("dup", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	c, _ := reg.GetStream("dup")
	assert.Equal(t, StatusUploading, c.Status())
	assert.Equal(t, int64(4), c.TotalSize())
}

func TestRegistryUnknownStream(t *testing.T) {
	reg := newTestRegistry(t)

	assert.ErrorIs(t, reg.WriteChunk("nope", []byte("x")), ErrNotFound)
	assert.ErrorIs(t, reg.FinalizeStream("nope"), ErrNotFound)
	assert.ErrorIs(t, reg.DeleteStream("nope"), ErrNotFound)
	_, err := reg.ReadChunk("nope", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryStateGuards(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("s"))
	require.NoError(t, reg.WriteChunk("s", []byte("abc")))
	require.NoError(t, reg.FinalizeStream("s"))

	assert.ErrorIs(t, reg.FinalizeStream("s"), ErrInvalidState)
	assert.ErrorIs(t, reg.WriteChunk("s", []byte("more")), ErrInvalidState)

	c, _ := reg.GetStream("s")
	assert.Equal(t, int64(3), c.TotalSize())
	assert.Equal(t, StatusReady, c.Status())
}

func TestRegistryReadWhileUploading(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("live"))
	require.NoError(t, reg.WriteChunk("live", []byte("part1")))

	data, err := reg.ReadChunk("live", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "part1", string(data))

	data, err = reg.ReadChunk("live", 5, 100)
	require.NoError(t, err)
	assert.Empty(t, data, "no data past the committed cursor yet")

	require.NoError(t, reg.WriteChunk("live", []byte("part2")))
	data, err = reg.ReadChunk("live", 5, 100)
	require.NoError(t, err)
	assert.Equal(t, "part2", string(data))
}

func TestRegistryCreateUsesDeterministicPath(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("abc-1.wav"))

	c, ok := reg.GetStream("abc-1.wav")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(reg.Directory(), "abc-1.wav.cache"), c.CachePath())

	info, err := os.Stat(c.CachePath())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestRegistryRejectsInvalidIDs(t *testing.T) {
	reg := newTestRegistry(t)
	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`, "space id", string(make([]byte, 201))} {
		assert.ErrorIs(t, reg.CreateStream(id), ErrInvalidID, "id %q", id)
	}
	assert.Empty(t, reg.ListActiveStreams())
}

func TestRegistryListAndSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, reg.CreateStream(id))
	}
	require.NoError(t, reg.WriteChunk("b", []byte("12345")))

	assert.Equal(t, []string{"a", "b", "c"}, reg.ListActiveStreams())
	assert.Equal(t, 3, reg.Count())

	infos := reg.Snapshot()
	require.Len(t, infos, 3)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, int64(5), infos[1].TotalSize)
	assert.Equal(t, StatusUploading, infos[1].Status)
}

func TestRegistryCrossStreamIsolation(t *testing.T) {
	reg := newTestRegistry(t)
	ids := []string{"left", "right", "middle"}
	for _, id := range ids {
		require.NoError(t, reg.CreateStream(id))
	}

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			for n := 0; n < 200; n++ {
				if err := reg.WriteChunk(id, []byte{byte(i), byte(n)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, id := range ids {
		data, err := reg.ReadChunk(id, 0, 1000)
		require.NoError(t, err)
		require.Len(t, data, 400)
		for n := 0; n < 200; n++ {
			assert.Equal(t, byte(i), data[2*n], "stream %s owner byte", id)
			assert.Equal(t, byte(n), data[2*n+1], "stream %s sequence byte", id)
		}
	}
}

func TestRegistryConcurrentReadersOnUploadingStream(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("shared"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				data, err := reg.ReadChunk("shared", 0, 4096)
				assert.NoError(t, err)
				assert.Equal(t, len(data), bytes.Count(data, []byte("z")), "reader observed unwritten bytes")
			}
		}()
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, reg.WriteChunk("shared", bytes.Repeat([]byte("z"), 16)))
	}
	close(stop)
	wg.Wait()

	c, _ := reg.GetStream("shared")
	assert.Equal(t, int64(1600), c.TotalSize())
}

func TestRegistryCleanupOldStreams(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, WithClock(clock.Now))

	require.NoError(t, reg.CreateStream("stale-uploading"))
	require.NoError(t, reg.CreateStream("stale-ready"))
	require.NoError(t, reg.FinalizeStream("stale-ready"))
	stale, ok := reg.GetStream("stale-uploading")
	require.True(t, ok)
	stalePath := stale.CachePath()

	clock.Advance(2 * time.Hour)
	require.NoError(t, reg.CreateStream("fresh"))
	clock.Advance(30 * time.Minute)
	require.NoError(t, reg.WriteChunk("fresh", []byte("x")))

	removed := reg.CleanupOldStreams(time.Hour)
	assert.Equal(t, []string{"stale-ready", "stale-uploading"}, removed)
	assert.Equal(t, []string{"fresh"}, reg.ListActiveStreams())

	_, err := os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err), "reclaimed file should be deleted")

	assert.ErrorIs(t, stale.WriteChunk([]byte("late")), ErrNotFound)
	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err), "stale handle must not recreate the file")

	assert.Empty(t, reg.CleanupOldStreams(time.Hour))
}

func TestRegistryDeleteKeepsIDReservedWhileWriteInFlight(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("s1"))
	old, ok := reg.GetStream("s1")
	require.True(t, ok)

	// Holding the entry lock stands in for a WriteChunk that has not returned.
	old.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- reg.DeleteStream("s1") }()
	require.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, reg.CreateStream("s1"), ErrDuplicate, "id must stay reserved until the old file is gone")
	old.mu.Unlock()
	require.NoError(t, <-done)

	require.NoError(t, reg.CreateStream("s1"))
	require.NoError(t, reg.WriteChunk("s1", []byte("hello")))
	data, err := os.ReadFile(reg.CachePath("s1"))
	require.NoError(t, err, "recreated stream must own a linked backing file")
	assert.Equal(t, "hello", string(data))
}

func TestRegistrySweepKeepsIDReservedWhileWriteInFlight(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, WithClock(clock.Now))
	require.NoError(t, reg.CreateStream("idle"))
	old, _ := reg.GetStream("idle")
	clock.Advance(2 * time.Hour)

	old.mu.Lock()
	done := make(chan []string, 1)
	go func() { done <- reg.CleanupOldStreams(time.Hour) }()
	require.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, reg.CreateStream("idle"), ErrDuplicate)
	old.mu.Unlock()
	assert.Equal(t, []string{"idle"}, <-done)

	require.NoError(t, reg.CreateStream("idle"))
	require.NoError(t, reg.WriteChunk("idle", []byte("again")))
	data, err := os.ReadFile(reg.CachePath("idle"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
}

func TestRegistryFailedRemovalIsRetriedBySweep(t *testing.T) {
	clock := newFakeClock()
	stores := make(map[string]*faultyStore)
	reg := newTestRegistry(t, WithClock(clock.Now), WithStoreFactory(func(path string) cache.ByteStore {
		s := &faultyStore{ByteStore: cache.NewFileStore(path)}
		stores[path] = s
		return s
	}))

	require.NoError(t, reg.CreateStream("stuck"))
	require.NoError(t, reg.CreateStream("gone"))
	path := reg.CachePath("stuck")
	stores[path].failRemove = true
	clock.Advance(2 * time.Hour)

	assert.Equal(t, []string{"gone"}, reg.CleanupOldStreams(time.Hour), "only removed files are reported")
	assert.Equal(t, []string{"stuck"}, reg.Orphans())
	_, err := os.Stat(path)
	require.NoError(t, err, "file is still on disk after the failed removal")

	assert.Equal(t, []string{"stuck"}, reg.CleanupOldStreams(time.Hour))
	assert.Empty(t, reg.Orphans())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "retry should remove the orphaned file")
}

func TestRegistryDeleteFailureLeavesOrphanThatCreateReplaces(t *testing.T) {
	reg, stores := newFaultyRegistry(t)
	require.NoError(t, reg.CreateStream("x"))
	stores[reg.CachePath("x")].failRemove = true

	require.Error(t, reg.DeleteStream("x"))
	assert.Equal(t, []string{"x"}, reg.Orphans())

	require.NoError(t, reg.CreateStream("x"))
	assert.Empty(t, reg.Orphans(), "a recreated stream must not be swept as an orphan")
	assert.Empty(t, reg.CleanupOldStreams(time.Hour))
	_, ok := reg.GetStream("x")
	assert.True(t, ok)
}

func TestRegistryCloseKeepsFiles(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("keep"))
	require.NoError(t, reg.WriteChunk("keep", []byte("persist")))
	path := reg.CachePath("keep")

	require.NoError(t, reg.Close())
	assert.Zero(t, reg.Count())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "persist", string(data))
}

func TestNewRegistryCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	info, err := os.Stat(reg.Directory())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRegistryFailsWhenDirectoryIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewRegistry(filepath.Join(file, "cache"))
	require.Error(t, err)

	_, err = NewRegistry("")
	require.Error(t, err)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	reg, err := NewRegistry(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
