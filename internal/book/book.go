package book

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
)

var log = logrus.WithField("component", "position_book")

// Book 开仓仓位簿。
//
// 持有 symbol / user 两个维度的索引：MarkToMarket 走 symbol 维度（热路径，
// 纯内存重算，绝不在这里做持久化写入），账户指标聚合走 user 维度。
// Remove 是平仓竞争的线性化点：并发平仓恰有一方取走仓位。
type Book struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	bySymbol  map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}
}

// NewBook 创建仓位簿
func NewBook() *Book {
	return &Book{
		positions: make(map[string]*domain.Position),
		bySymbol:  make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
	}
}

// Apply 写入新仓位（同 user+symbol+side 的合并在执行引擎完成后调用 Update）
func (b *Book) Apply(p *domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions[p.ID] = p
	if b.bySymbol[p.Symbol] == nil {
		b.bySymbol[p.Symbol] = make(map[string]struct{})
	}
	b.bySymbol[p.Symbol][p.ID] = struct{}{}
	if b.byUser[p.UserID] == nil {
		b.byUser[p.UserID] = make(map[string]struct{})
	}
	b.byUser[p.UserID][p.ID] = struct{}{}

	log.Debugf("仓位写入: id=%s user=%s symbol=%s side=%s qty=%.4f entry=%.5f",
		p.ID, p.UserID, p.Symbol, p.Side, p.Quantity, p.EntryPrice)
}

// Update 在簿锁内修改仓位（加仓合并、风险参数修改、部分平仓减量）
func (b *Book) Update(positionID string, fn func(p *domain.Position)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[positionID]
	if !ok {
		return domain.ErrPositionNotFound
	}
	fn(p)
	return nil
}

// Remove 原子取出并移除仓位（全量平仓的线性化点）
func (b *Book) Remove(positionID string) (*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[positionID]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	delete(b.positions, positionID)
	delete(b.bySymbol[p.Symbol], positionID)
	delete(b.byUser[p.UserID], positionID)
	return p, nil
}

// Reduce 原子减仓。qty <= 0 或不小于持仓量时为全量平仓（取出并移除），
// 否则按比例缩减数量与占用保证金。返回的 snapshot 在全量平仓时是被移除
// 的仓位，部分平仓时是缩减后的仓位。
func (b *Book) Reduce(positionID string, qty float64, price float64, at time.Time) (snapshot domain.Position, closedQty, marginShare float64, full bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		err = domain.ErrPositionNotFound
		return
	}

	if qty <= 0 || qty >= p.Quantity {
		delete(b.positions, positionID)
		delete(b.bySymbol[p.Symbol], positionID)
		delete(b.byUser[p.UserID], positionID)
		closedQty = p.Quantity
		marginShare = p.MarginRequired
		full = true
		snapshot = *p
		return
	}

	marginShare = p.MarginRequired * qty / p.Quantity
	closedQty = qty
	p.Quantity -= qty
	p.MarginRequired -= marginShare
	p.RecomputePnL(price, at)
	snapshot = *p
	return
}

// Get 按 ID 查询仓位快照
func (b *Book) Get(positionID string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Find 查找同 user+symbol+side 的开仓仓位（加仓合并用）
func (b *Book) Find(userID, symbol string, side domain.PositionSide) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id := range b.byUser[userID] {
		p := b.positions[id]
		if p != nil && p.Symbol == symbol && p.Side == side {
			return id, true
		}
	}
	return "", false
}

// ByUser 返回某用户全部开仓仓位的快照
func (b *Book) ByUser(userID string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.byUser[userID]))
	for id := range b.byUser[userID] {
		if p := b.positions[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// BySymbol 返回某 symbol 全部开仓仓位的快照
func (b *Book) BySymbol(symbol string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.bySymbol[symbol]))
	for id := range b.bySymbol[symbol] {
		if p := b.positions[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// MarkToMarket 用最新价格重算该 symbol 全部仓位的未实现盈亏。
// 纯内存重算；持久化由上层异步分发，不在热路径上。
func (b *Book) MarkToMarket(symbol string, price float64, at time.Time) []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.bySymbol[symbol]))
	for id := range b.bySymbol[symbol] {
		p := b.positions[id]
		if p == nil {
			continue
		}
		p.RecomputePnL(price, at)
		out = append(out, *p)
	}
	return out
}

// UnrealizedSum 某用户全部仓位的未实现盈亏合计（账本派生 equity 用）
func (b *Book) UnrealizedSum(userID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sum float64
	for id := range b.byUser[userID] {
		if p := b.positions[id]; p != nil {
			sum += p.UnrealizedPnl
		}
	}
	return sum
}

// All 返回全部开仓仓位的快照（状态快照用）
func (b *Book) All() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Exposure 某用户全部仓位的名义敞口合计 Σ(quantity * currentPrice)
func (b *Book) Exposure(userID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sum float64
	for id := range b.byUser[userID] {
		if p := b.positions[id]; p != nil {
			sum += p.Notional()
		}
	}
	return sum
}
