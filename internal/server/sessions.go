package server

import (
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// SessionInfo 描述一个在线 WebSocket 会话，供诊断接口输出。
type SessionInfo struct {
	ID          string
	RemoteAddr  string
	RequestID   string
	BoundStream string
	ConnectedAt time.Time
}

// liveSession 记录连接元数据；bound 由连接 goroutine 更新，诊断读取时无需锁住会话。
type liveSession struct {
	info  SessionInfo
	bound atomic.Value
	close func() error
}

func (s *liveSession) snapshot() SessionInfo {
	info := s.info
	if bound, ok := s.bound.Load().(string); ok {
		info.BoundStream = bound
	}
	return info
}

// SessionRegistry 跟踪所有在线连接。调用方应在启动阶段创建一次并复用。
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewSessionRegistry 创建空的会话表。
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*liveSession)}
}

func (r *SessionRegistry) add(info SessionInfo, closeFn func() error) *liveSession {
	s := &liveSession{info: info, close: closeFn}
	s.bound.Store("")

	r.mu.Lock()
	r.sessions[info.ID] = s
	r.mu.Unlock()
	return s
}

func (r *SessionRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Lookup 根据会话 ID 返回快照。
func (r *SessionRegistry) Lookup(id string) (SessionInfo, bool) {
	if r == nil {
		return SessionInfo{}, false
	}
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// List 返回按连接时间排序的会话快照。
func (r *SessionRegistry) List() []SessionInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	live := lo.Values(r.sessions)
	r.mu.RUnlock()

	infos := lo.Map(live, func(s *liveSession, _ int) SessionInfo {
		return s.snapshot()
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Count 返回在线会话数。
func (r *SessionRegistry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭所有底层连接。Fiber 关闭监听后不会回收已升级的连接，停机时需显式调用。
func (r *SessionRegistry) CloseAll() error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	live := lo.Values(r.sessions)
	r.mu.RUnlock()

	var errs []error
	for _, s := range live {
		if s.close == nil {
			continue
		}
		if err := s.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
