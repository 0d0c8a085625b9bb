package debounce

import (
	"sync"
	"time"
)

// Gate 时间闸门：距上次放行不足 interval 时拒绝通过。
// interval <= 0 时总是放行。
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewGate 创建时间闸门
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// TryPass 尝试通过闸门：放行则记录时间并返回 true
func (g *Gate) TryPass(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.interval <= 0 {
		g.last = now
		return true
	}
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// Reset 清除上次放行时间（下次 TryPass 必然放行）
func (g *Gate) Reset() {
	g.mu.Lock()
	g.last = time.Time{}
	g.mu.Unlock()
}

// Keyed 按 key 维护独立闸门（比如按用户限制事件推送频率）
type Keyed struct {
	interval time.Duration

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewKeyed 创建按 key 分组的闸门
func NewKeyed(interval time.Duration) *Keyed {
	return &Keyed{
		interval: interval,
		gates:    make(map[string]*Gate),
	}
}

// TryPass 尝试通过指定 key 的闸门
func (k *Keyed) TryPass(key string, now time.Time) bool {
	k.mu.Lock()
	gate, ok := k.gates[key]
	if !ok {
		gate = NewGate(k.interval)
		k.gates[key] = gate
	}
	k.mu.Unlock()
	return gate.TryPass(now)
}

// Forget 丢弃指定 key 的闸门状态
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.gates, key)
	k.mu.Unlock()
}
