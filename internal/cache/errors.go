package cache

import "errors"

var (
	// ErrCreate 表示底层文件无法创建（权限、磁盘空间或非法路径）。
	ErrCreate = errors.New("cache file create failed")

	// ErrNotFound 表示底层文件不存在。
	ErrNotFound = errors.New("cache file not found")

	// ErrClosed 表示 store 尚未打开。
	ErrClosed = errors.New("cache store is closed")

	// ErrIO 覆盖已打开 store 上的读写、截断与刷盘失败。
	ErrIO = errors.New("cache store I/O error")

	// ErrInvalidOffset 表示偏移量为负数。
	ErrInvalidOffset = errors.New("invalid cache offset")

	// ErrInvalidSize 表示长度或目标大小为负数。
	ErrInvalidSize = errors.New("invalid cache size")
)
