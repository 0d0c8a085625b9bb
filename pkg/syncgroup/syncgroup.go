package syncgroup

import "sync"

// SyncGroup 包装 sync.WaitGroup：先登记后台任务，Run 统一启动，
// Add/Done 配对由内部管理。
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	fns     []func()
	running int
}

// NewSyncGroup 创建空的任务组
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个后台任务。任务组运行中时登记无效（先 WaitAndClear）。
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running > 0 {
		return
	}
	g.fns = append(g.fns, fn)
}

// Run 启动所有已登记的任务并清空登记列表
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.running > 0 {
		g.mu.Unlock()
		return
	}
	fns := g.fns
	g.fns = nil
	g.running = len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(fn func()) {
			defer func() {
				g.wg.Done()
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
			}()
			fn()
		}(fn)
	}
}

// Wait 等待全部任务退出
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// WaitAndClear 等待全部任务退出并复位，之后可以重新 Add/Run
func (g *SyncGroup) WaitAndClear() {
	g.wg.Wait()
	g.mu.Lock()
	g.fns = nil
	g.running = 0
	g.mu.Unlock()
}
