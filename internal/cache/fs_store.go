package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const cacheFileMode = 0o644

// NewFileStore 构建基于普通文件定位读写（ReadAt/WriteAt/Truncate）的 ByteStore。
// 构造本身不触碰磁盘，调用方需要显式 Create 或 Open。
func NewFileStore(path string) ByteStore {
	return &fileStore{path: filepath.Clean(path)}
}

// fileStore 用一把互斥锁串行化所有调用（包括读），保证 resize 永远不会与读写交错。
type fileStore struct {
	path string

	mu   sync.Mutex
	file *os.File
	size int64
}

func (s *fileStore) Create(initialSize int64) error {
	if initialSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, initialSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(initialSize)
}

func (s *fileStore) createLocked(initialSize int64) error {
	s.closeLocked()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove stale %s: %w", ErrCreate, s.path, err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, cacheFileMode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	if initialSize > 0 {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			os.Remove(s.path)
			return fmt.Errorf("%w: extend to %d: %w", ErrCreate, initialSize, err)
		}
	}

	s.file = f
	s.size = initialSize
	return nil
}

func (s *fileStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *fileStore) openLocked() error {
	if s.file != nil {
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return fmt.Errorf("%w: open %s: %w", ErrIO, s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %w", ErrIO, s.path, err)
	}

	s.file = f
	s.size = info.Size()
	return nil
}

func (s *fileStore) Write(offset int64, data []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + int64(len(data))
	if s.file == nil {
		if err := s.createLocked(end); err != nil {
			return 0, err
		}
	}
	if len(data) == 0 {
		return 0, nil
	}

	prev := s.size
	if end > s.size {
		if err := s.resizeLocked(end); err != nil {
			return 0, err
		}
	}

	if _, err := s.file.WriteAt(data, offset); err != nil {
		// 回滚本次扩容，保证调用要么完整生效要么对长度无影响。
		if end > prev {
			if rbErr := s.resizeLocked(prev); rbErr != nil {
				return 0, fmt.Errorf("%w: write at %d: %w (rollback: %v)", ErrIO, offset, err, rbErr)
			}
		}
		return 0, fmt.Errorf("%w: write at %d: %w", ErrIO, offset, err)
	}
	return len(data), nil
}

func (s *fileStore) Read(offset, length int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if offset >= s.size || length == 0 {
		return []byte{}, nil
	}

	n := min(length, s.size-offset)
	buf := make([]byte, n)
	read, err := s.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read at %d: %w", ErrIO, offset, err)
	}
	return buf[:read], nil
}

func (s *fileStore) Resize(newSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return err
	}
	return s.resizeLocked(newSize)
}

func (s *fileStore) resizeLocked(newSize int64) error {
	if newSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, newSize)
	}
	if newSize == s.size {
		return nil
	}
	// Truncate 在扩容时由文件系统零填充新增区域。
	if err := s.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: resize %d -> %d: %w", ErrIO, s.size, newSize, err)
	}
	s.size = newSize
	return nil
}

func (s *fileStore) Finalize(finalSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return err
	}
	if err := s.resizeLocked(finalSize); err != nil {
		return err
	}
	return s.flushLocked()
}

func (s *fileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	if s.file == nil {
		return ErrClosed
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrIO, s.path, err)
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *fileStore) closeLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, s.path, err)
	}
	return nil
}

func (s *fileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	closeErr := s.closeLocked()
	s.size = 0
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, s.path, err)
	}
	return closeErr
}

func (s *fileStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *fileStore) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

func (s *fileStore) Path() string {
	return s.path
}
