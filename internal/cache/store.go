package cache

// ByteStore 是单个流的可增长、按偏移寻址的字节容器，底层对应一个文件：
//
//	<CacheDirectory>/<streamId>.cache
//
// Size() 始终等于底层文件长度；所有改变长度的路径都在同一把锁内同时更新两者。
// 所有方法都可以在新建或已关闭的实例上安全调用。
type ByteStore interface {
	// Create 删除 path 上已有的文件，新建并打开，随后零填充到 initialSize。
	Create(initialSize int64) error

	// Open 打开已存在的文件并以其当前长度作为 Size；文件缺失时返回 ErrNotFound。
	Open() error

	// Write 在 offset 处写入完整的 data。未打开时隐式 Create(offset+len(data))；
	// 超出当前大小时先扩容。写入要么全部成功，要么返回 0 与错误且回滚本次扩容。
	Write(offset int64, data []byte) (int, error)

	// Read 返回 offset 起至多 length 字节。offset >= Size() 时返回空切片
	// 而非错误，这是数据结束的唯一信号；结果从不填充。
	Read(offset, length int64) ([]byte, error)

	// Resize 截断或零填充到 newSize；截断不可逆。
	Resize(newSize int64) error

	// Finalize 等价于 Resize(finalSize) 后 Flush，标记写入阶段结束。
	Finalize(finalSize int64) error

	// Flush 将缓冲写入刷到稳定存储，store 未打开时返回 ErrClosed。
	Flush() error

	// Close 释放文件句柄，可重复调用。
	Close() error

	// Remove 关闭 store 并删除底层文件，文件不存在不视为错误。
	Remove() error

	Size() int64
	IsOpen() bool
	Path() string
}
