package shutdown

import (
	"context"
	"sync"
)

// Hook 关闭回调。ctx 到期后调用方不再等待，回调应自行尽快退出。
type Hook func(ctx context.Context)

// Manager 收集关闭回调，进程退出时并发执行。
// 注册顺序不代表执行顺序——有先后依赖的清理应合并进同一个回调。
type Manager struct {
	mu    sync.Mutex
	hooks []Hook
}

// NewManager 创建空的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调，nil 回调忽略
func (m *Manager) OnShutdown(h Hook) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Shutdown 并发执行全部回调，阻塞到全部完成或 ctx 到期。
// 返回 false 表示超时时仍有回调未结束。
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if len(hooks) == 0 {
		return true
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		wg.Add(len(hooks))
		for _, h := range hooks {
			go func(h Hook) {
				defer wg.Done()
				h(ctx)
			}(h)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
