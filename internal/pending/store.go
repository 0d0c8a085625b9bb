package pending

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
)

var log = logrus.WithField("component", "pending_order_store")

// TriggeredOrder 已触发的挂单（已从 store 原子移除，恰好交给执行引擎一次）
type TriggeredOrder struct {
	Order *domain.Order
	// TriggerPrice 触发时的行情价（执行引擎以此为参考价）
	TriggerPrice float64
}

// pendingOrder 挂单内部包装
type pendingOrder struct {
	order *domain.Order
	// armed 仅 stop_limit 使用：stop 腿触发后转为 limit 语义
	armed bool
	// trailing 仅 trailing_stop 使用
	trailing *TrailingLevel
}

// symbolBucket 单个 symbol 的挂单桶。
// 桶锁保证同一 symbol 的 OnTick / Add / Cancel 彼此线性化：
// 两个同 symbol 的 tick 不会交错评估，tick 触发与 Cancel 竞争时恰有一方胜出。
type symbolBucket struct {
	mu     sync.Mutex
	orders map[string]*pendingOrder
	// seq 保持插入顺序，保证评估顺序确定
	seq []string
}

// Store 非市价挂单仓库（limit / stop / stop_limit / trailing_stop），按 symbol 分桶。
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*symbolBucket
	// index orderID -> symbol
	index map[string]string
}

// NewStore 创建挂单仓库
func NewStore() *Store {
	return &Store{
		buckets: make(map[string]*symbolBucket),
		index:   make(map[string]string),
	}
}

func (s *Store) bucket(symbol string, create bool) *symbolBucket {
	s.mu.RLock()
	b := s.buckets[symbol]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buckets[symbol]; b == nil {
		b = &symbolBucket{orders: make(map[string]*pendingOrder)}
		s.buckets[symbol] = b
	}
	return b
}

// Add 加入挂单。数量非法或价格字段组合不合法时返回 ErrInvalidOrder。
// trailing_stop 订单上的 StopPrice 是系统武装的触发位（快照恢复时带回），
// 校验前剥离，武装后写回。
func (s *Store) Add(order *domain.Order) error {
	if order == nil || order.Type == domain.OrderTypeMarket {
		return domain.ErrInvalidOrder
	}
	var armedLevel *float64
	if order.Type == domain.OrderTypeTrailingStop {
		armedLevel = order.StopPrice
		order.StopPrice = nil
	}
	if err := order.Validate(); err != nil {
		return err
	}

	var trailing *TrailingLevel
	if order.Type == domain.OrderTypeTrailingStop {
		trailing = NewTrailingLevel(order.Side, *order.TrailingDistance)
		if armedLevel != nil && *armedLevel > 0 {
			trailing.Level = *armedLevel
			trailing.Armed = true
			order.StopPrice = armedLevel
		}
	}

	b := s.bucket(order.Symbol, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[order.ID]; exists {
		return domain.ErrInvalidOrder
	}
	b.orders[order.ID] = &pendingOrder{order: order, trailing: trailing}
	b.seq = append(b.seq, order.ID)

	s.mu.Lock()
	s.index[order.ID] = order.Symbol
	s.mu.Unlock()

	log.Debugf("挂单加入: id=%s symbol=%s type=%s side=%s qty=%.4f",
		order.ID, order.Symbol, order.Type, order.Side, order.Quantity)
	return nil
}

// Cancel 取消挂单并返回订单。未知或已终态的订单返回 ErrOrderNotFound
// （幂等语义：重复取消是 no-op 错误，不是故障）。
func (s *Store) Cancel(orderID string) (*domain.Order, error) {
	s.mu.RLock()
	symbol, ok := s.index[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrOrderNotFound
	}

	b := s.bucket(symbol, false)
	if b == nil {
		return nil, domain.ErrOrderNotFound
	}

	b.mu.Lock()
	po, ok := b.orders[orderID]
	if !ok {
		// tick 触发赢得了竞争：挂单已被原子移除
		b.mu.Unlock()
		return nil, domain.ErrOrderNotFound
	}
	b.remove(orderID)
	b.mu.Unlock()

	s.dropIndex(orderID)

	po.order.Status = domain.OrderStatusCancelled
	log.Infof("挂单取消: id=%s symbol=%s", orderID, symbol)
	return po.order, nil
}

// Get 查询挂单（只读副本语义：调用方不得修改返回值的价格字段，修改走 Modify）
func (s *Store) Get(orderID string) (*domain.Order, bool) {
	s.mu.RLock()
	symbol, ok := s.index[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	b := s.bucket(symbol, false)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	return po.order, true
}

// Modify 在桶锁内修改挂单价格字段（ModifyRisk 使用），与 OnTick 线性化。
func (s *Store) Modify(orderID string, fn func(order *domain.Order)) error {
	s.mu.RLock()
	symbol, ok := s.index[orderID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrOrderNotFound
	}
	b := s.bucket(symbol, false)
	if b == nil {
		return domain.ErrOrderNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	fn(po.order)
	// trailing 的 StopPrice 是系统维护的触发位，不参与字段组合校验
	cp := *po.order
	if cp.Type == domain.OrderTypeTrailingStop {
		cp.StopPrice = nil
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	// trailing 距离被修改时重建棘轮（保持已武装的触发位，只允许收紧）
	if po.trailing != nil && po.order.TrailingDistance != nil {
		po.trailing.Distance = *po.order.TrailingDistance
	}
	return nil
}

// ByUser 返回某用户的全部挂单快照
func (s *Store) ByUser(userID string) []*domain.Order {
	s.mu.RLock()
	buckets := make([]*symbolBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	var out []*domain.Order
	for _, b := range buckets {
		b.mu.Lock()
		for _, id := range b.seq {
			if po, ok := b.orders[id]; ok && po.order.UserID == userID {
				cp := *po.order
				out = append(out, &cp)
			}
		}
		b.mu.Unlock()
	}
	return out
}

// All 返回全部挂单的快照（状态快照用）
func (s *Store) All() []*domain.Order {
	s.mu.RLock()
	buckets := make([]*symbolBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	var out []*domain.Order
	for _, b := range buckets {
		b.mu.Lock()
		for _, id := range b.seq {
			if po, ok := b.orders[id]; ok {
				cp := *po.order
				out = append(out, &cp)
			}
		}
		b.mu.Unlock()
	}
	return out
}

// OnTick 用最新价格对该 symbol 的全部挂单做一次原子评估。
// 触发的挂单被原子移除并恰好返回一次；跟踪止损的触发位在此棘轮推进。
func (s *Store) OnTick(symbol string, price float64) []TriggeredOrder {
	b := s.bucket(symbol, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	var fired []TriggeredOrder
	for _, id := range b.seq {
		po, ok := b.orders[id]
		if !ok {
			continue
		}
		if s.evaluate(po, price) {
			fired = append(fired, TriggeredOrder{Order: po.order, TriggerPrice: price})
		}
	}
	for _, tr := range fired {
		b.remove(tr.Order.ID)
	}
	b.mu.Unlock()

	for _, tr := range fired {
		s.dropIndex(tr.Order.ID)
		log.Infof("挂单触发: id=%s symbol=%s type=%s side=%s price=%.5f",
			tr.Order.ID, symbol, tr.Order.Type, tr.Order.Side, price)
	}
	return fired
}

// evaluate 单个挂单的触发判断（桶锁内调用）
func (s *Store) evaluate(po *pendingOrder, price float64) bool {
	o := po.order
	switch o.Type {
	case domain.OrderTypeLimit:
		return limitFired(o.Side, price, *o.LimitPrice)

	case domain.OrderTypeStop:
		return stopFired(o.Side, price, *o.StopPrice)

	case domain.OrderTypeStopLimit:
		// 先触发 stop 腿，之后按 limit 语义执行；同一个 tick 允许连续满足两腿
		if !po.armed {
			if !stopFired(o.Side, price, *o.StopPrice) {
				return false
			}
			po.armed = true
		}
		return limitFired(o.Side, price, *o.LimitPrice)

	case domain.OrderTypeTrailingStop:
		po.trailing.Ratchet(price)
		// 把棘轮后的触发位写回订单，便于查询与落档
		level := po.trailing.Level
		o.StopPrice = &level
		return po.trailing.Fired(price)
	}
	return false
}

// limitFired 限价触发：买入 price <= limit，卖出 price >= limit
func limitFired(side domain.Side, price, limit float64) bool {
	if side == domain.SideBuy {
		return price <= limit
	}
	return price >= limit
}

// stopFired 止损触发：买入 price >= stop，卖出 price <= stop
func stopFired(side domain.Side, price, stop float64) bool {
	if side == domain.SideBuy {
		return price >= stop
	}
	return price <= stop
}

func (b *symbolBucket) remove(orderID string) {
	delete(b.orders, orderID)
	for i, id := range b.seq {
		if id == orderID {
			b.seq = append(b.seq[:i], b.seq[i+1:]...)
			break
		}
	}
}

func (s *Store) dropIndex(orderID string) {
	s.mu.Lock()
	delete(s.index, orderID)
	s.mu.Unlock()
}
