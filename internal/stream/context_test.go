package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/stream-cache/internal/cache"
)

var errDiskFull = errors.New("no space left on device")

// faultyStore wraps a real store and injects failures on demand.
type faultyStore struct {
	cache.ByteStore
	failWrite    bool
	failFinalize bool
	failCreate   bool
	failRemove   bool
}

func (s *faultyStore) Create(initialSize int64) error {
	if s.failCreate {
		return errors.Join(cache.ErrCreate, errDiskFull)
	}
	return s.ByteStore.Create(initialSize)
}

func (s *faultyStore) Write(offset int64, data []byte) (int, error) {
	if s.failWrite {
		return 0, errors.Join(cache.ErrIO, errDiskFull)
	}
	return s.ByteStore.Write(offset, data)
}

func (s *faultyStore) Finalize(finalSize int64) error {
	if s.failFinalize {
		return errors.Join(cache.ErrIO, errDiskFull)
	}
	return s.ByteStore.Finalize(finalSize)
}

func (s *faultyStore) Remove() error {
	if s.failRemove {
		return errors.Join(cache.ErrIO, errors.New("device or resource busy"))
	}
	return s.ByteStore.Remove()
}

func newFaultyRegistry(t *testing.T) (*Registry, map[string]*faultyStore) {
	t.Helper()
	stores := make(map[string]*faultyStore)
	reg := newTestRegistry(t, WithStoreFactory(func(path string) cache.ByteStore {
		s := &faultyStore{ByteStore: cache.NewFileStore(path)}
		stores[path] = s
		return s
	}))
	return reg, stores
}

func TestContextWriteFailureKeepsUploading(t *testing.T) {
	reg, stores := newFaultyRegistry(t)
	require.NoError(t, reg.CreateStream("s"))
	require.NoError(t, reg.WriteChunk("s", []byte("ok")))

	stores[reg.CachePath("s")].failWrite = true
	err := reg.WriteChunk("s", []byte("lost"))
	require.ErrorIs(t, err, cache.ErrIO)

	c, _ := reg.GetStream("s")
	assert.Equal(t, StatusUploading, c.Status())
	assert.Equal(t, int64(2), c.CurrentOffset())

	stores[reg.CachePath("s")].failWrite = false
	require.NoError(t, reg.WriteChunk("s", []byte("ay")))
	data, err := reg.ReadChunk("s", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "okay", string(data))
}

func TestContextFinalizeFailureKeepsUploading(t *testing.T) {
	reg, stores := newFaultyRegistry(t)
	require.NoError(t, reg.CreateStream("s"))
	require.NoError(t, reg.WriteChunk("s", []byte("abc")))

	stores[reg.CachePath("s")].failFinalize = true
	require.ErrorIs(t, reg.FinalizeStream("s"), cache.ErrIO)

	c, _ := reg.GetStream("s")
	assert.Equal(t, StatusUploading, c.Status())

	stores[reg.CachePath("s")].failFinalize = false
	require.NoError(t, reg.FinalizeStream("s"))
	assert.Equal(t, StatusReady, c.Status())
}

func TestCreateFailureLeavesNoEntry(t *testing.T) {
	reg := newTestRegistry(t, WithStoreFactory(func(path string) cache.ByteStore {
		return &faultyStore{ByteStore: cache.NewFileStore(path), failCreate: true}
	}))

	require.ErrorIs(t, reg.CreateStream("s"), cache.ErrCreate)
	_, ok := reg.GetStream("s")
	assert.False(t, ok)
}

func TestContextFailBlocksWrites(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("s"))
	c, _ := reg.GetStream("s")

	c.Fail("backing device removed")
	assert.Equal(t, StatusError, c.Status())
	assert.ErrorIs(t, c.WriteChunk([]byte("x")), ErrInvalidState)
	assert.ErrorIs(t, c.Finalize(), ErrInvalidState)

	info := c.Info()
	assert.Equal(t, "backing device removed", info.FailReason)
	assert.Equal(t, "error", info.Status.String())

	require.NoError(t, reg.DeleteStream("s"))
}

func TestContextEmptyWriteIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("s"))
	require.NoError(t, reg.WriteChunk("s", nil))

	c, _ := reg.GetStream("s")
	assert.Zero(t, c.TotalSize())
}

func TestContextDiscardTail(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateStream("d"))
	require.NoError(t, reg.WriteChunk("d", []byte("abcdef")))

	require.NoError(t, reg.DiscardTail("d", 2))
	data, err := reg.ReadChunk("d", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	assert.Error(t, reg.DiscardTail("d", 10), "cannot discard more than was committed")
	require.NoError(t, reg.DiscardTail("d", 0))

	require.NoError(t, reg.FinalizeStream("d"))
	assert.ErrorIs(t, reg.DiscardTail("d", 1), ErrInvalidState)
	assert.ErrorIs(t, reg.DiscardTail("missing", 1), ErrNotFound)
}
