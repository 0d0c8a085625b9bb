package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/book"
	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/execution"
	"github.com/dealdesk/gocfd/internal/feed"
	"github.com/dealdesk/gocfd/internal/ledger"
	"github.com/dealdesk/gocfd/internal/metrics"
	"github.com/dealdesk/gocfd/internal/pending"
	"github.com/dealdesk/gocfd/internal/ports"
	"github.com/dealdesk/gocfd/internal/risk"
	"github.com/dealdesk/gocfd/pkg/debounce"
	"github.com/dealdesk/gocfd/pkg/sigchan"
)

var log = logrus.WithField("component", "trading_service")

// Config 交易服务配置
type Config struct {
	// StaleAfter 报价超过该时长未更新时，市价单与主动平仓被判定行情陈旧而拒绝
	StaleAfter time.Duration
	// TickQueueSize 每个 symbol 的 tick 队列长度（满了丢最旧，行情只关心最新）
	TickQueueSize int
	// CloseDedupTTL 风控平仓去重窗口
	CloseDedupTTL time.Duration
	// MetricsDebounce 账户指标事件的最小推送间隔（0 = 每次都推）
	MetricsDebounce time.Duration
	// InitialBalance 新开账户的初始余额
	InitialBalance float64
}

func (c *Config) defaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
	if c.TickQueueSize <= 0 {
		c.TickQueueSize = 256
	}
	if c.CloseDedupTTL <= 0 {
		c.CloseDedupTTL = 2 * time.Second
	}
}

// PlaceOrderRequest 下单请求：主订单加可选的附属风险子订单。
// StopLoss / TakeProfit / TrailingStop 会生成同组的子订单，
// 主订单成交后激活为仓位的风险参数。
type PlaceOrderRequest struct {
	UserID     string            `json:"userId"`
	Symbol     string            `json:"symbol"`
	AssetClass domain.AssetClass `json:"assetClass"`
	Side       domain.Side       `json:"side"`
	Type       domain.OrderType  `json:"orderType"`
	Quantity   float64           `json:"quantity"`
	Leverage   float64           `json:"leverage"`

	LimitPrice       *float64 `json:"limitPrice,omitempty"`
	StopPrice        *float64 `json:"stopPrice,omitempty"`
	TrailingDistance *float64 `json:"trailingDistance,omitempty"`

	StopLoss     *float64 `json:"stopLoss,omitempty"`
	TakeProfit   *float64 `json:"takeProfit,omitempty"`
	TrailingStop *float64 `json:"trailingStop,omitempty"`
}

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	Order    *domain.Order    `json:"order"`
	Children []*domain.Order  `json:"children,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
}

// RiskParams 仓位/挂单的风险参数修改请求。
// 指针为 nil 表示不改，指向 0 表示清除该水位。
type RiskParams struct {
	StopLoss     *float64 `json:"stopLoss,omitempty"`
	TakeProfit   *float64 `json:"takeProfit,omitempty"`
	TrailingStop *float64 `json:"trailingStop,omitempty"`
}

// Service 交易服务门面：对外组合下单/撤单/平仓/查询，
// 对内驱动 tick 管道（挂单触发、mark-to-market、风控平仓）。
//
// 每个 symbol 一个 tick worker：同一 symbol 的 tick 严格串行，
// 不同 symbol 并行；跨账户正确性由账本与仓位簿自身的锁保证。
type Service struct {
	cfg     Config
	ledger  *ledger.Ledger
	book    *book.Book
	pending *pending.Store
	exec    *execution.Engine
	monitor *risk.Monitor
	quotes  *feed.QuoteBoard
	sink    ports.EventSink
	persist ports.Persister

	// closing 防止同一仓位在平仓落账前被后续 tick 重复请求平仓
	closing *execution.InFlightDeduper
	// metricsGate 限制按用户推送指标事件的频率（nil = 不限制）
	metricsGate *debounce.Keyed
	// snapshotNow 按需快照信号（见 TriggerSnapshot / RunSnapshotLoop）
	snapshotNow *sigchan.Chan

	groupMu sync.Mutex
	// childrenByOrder 等待主挂单触发的风险子订单
	childrenByOrder map[string][]*domain.Order
	// childrenByPosition 已激活（绑定仓位）的风险子订单
	childrenByPosition map[string][]*domain.Order

	workerMu sync.Mutex
	workers  map[string]chan domain.Tick
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService 组装交易服务
func NewService(
	cfg Config,
	l *ledger.Ledger,
	b *book.Book,
	p *pending.Store,
	exec *execution.Engine,
	monitor *risk.Monitor,
	quotes *feed.QuoteBoard,
	sink ports.EventSink,
	persist ports.Persister,
) *Service {
	cfg.defaults()
	var gate *debounce.Keyed
	if cfg.MetricsDebounce > 0 {
		gate = debounce.NewKeyed(cfg.MetricsDebounce)
	}
	return &Service{
		cfg:                cfg,
		ledger:             l,
		book:               b,
		pending:            p,
		exec:               exec,
		monitor:            monitor,
		quotes:             quotes,
		sink:               sink,
		persist:            persist,
		closing:            execution.NewInFlightDeduper(cfg.CloseDedupTTL, 64),
		metricsGate:        gate,
		snapshotNow:        sigchan.New(1),
		childrenByOrder:    make(map[string][]*domain.Order),
		childrenByPosition: make(map[string][]*domain.Order),
		workers:            make(map[string]chan domain.Tick),
	}
}

// Start 启动 tick worker 的宿主 context
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop 停止全部 tick worker 并等待退出
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// 账户

// CreateAccount 开户（幂等）
func (s *Service) CreateAccount(userID string, balance float64) {
	if balance <= 0 {
		balance = s.cfg.InitialBalance
	}
	s.ledger.CreateAccount(userID, balance)
}

// AccountMetrics 账户指标快照
func (s *Service) AccountMetrics(userID string) (domain.AccountMetrics, error) {
	return s.ledger.Snapshot(userID)
}

// Positions 用户全部持仓
func (s *Service) Positions(userID string) []domain.Position {
	return s.book.ByUser(userID)
}

// PendingOrders 用户全部挂单
func (s *Service) PendingOrders(userID string) []*domain.Order {
	return s.pending.ByUser(userID)
}

// ---------------------------------------------------------------------------
// 下单 / 撤单 / 平仓

// PlaceOrder 下单入口。市价主订单立即按最新报价执行；
// 其余类型进入挂单仓库等待触发。附属风险子订单随主订单成交激活。
func (s *Service) PlaceOrder(req PlaceOrderRequest) (*PlaceOrderResult, error) {
	now := time.Now()
	groupID := uuid.NewString()

	order := &domain.Order{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		AssetClass:       req.AssetClass,
		Side:             req.Side,
		Type:             req.Type,
		Category:         domain.CategoryPrimary,
		Quantity:         req.Quantity,
		Leverage:         req.Leverage,
		LimitPrice:       req.LimitPrice,
		StopPrice:        req.StopPrice,
		TrailingDistance: req.TrailingDistance,
		Status:           domain.OrderStatusPending,
		GroupID:          groupID,
		CreatedAt:        now,
	}
	if err := order.Validate(); err != nil {
		return nil, s.exec.Reject(order, err)
	}

	children := buildChildren(order, req)
	result := &PlaceOrderResult{Order: order, Children: children}

	if order.Type == domain.OrderTypeMarket {
		price, err := s.freshQuote(order.Symbol)
		if err != nil {
			metrics.StaleRejects.Add(1)
			return nil, s.exec.Reject(order, err)
		}
		position, err := s.exec.Fill(order, price)
		if err != nil {
			return nil, err
		}
		s.activateChildren(position, children)
		result.Position = position
		return result, nil
	}

	if err := s.pending.Add(order); err != nil {
		return nil, s.exec.Reject(order, err)
	}
	if len(children) > 0 {
		s.groupMu.Lock()
		s.childrenByOrder[order.ID] = children
		s.groupMu.Unlock()
	}
	s.persist.SaveOrder(order)
	for _, c := range children {
		s.persist.SaveOrder(c)
	}
	return result, nil
}

// buildChildren 由附属风险参数生成子订单记录。
// 子订单方向与主订单相反（平掉主订单建立的仓位）。
func buildChildren(primary *domain.Order, req PlaceOrderRequest) []*domain.Order {
	var out []*domain.Order
	closeSide := primary.Side.Opposite()
	add := func(category domain.OrderCategory, typ domain.OrderType) *domain.Order {
		c := &domain.Order{
			ID:            uuid.NewString(),
			UserID:        primary.UserID,
			Symbol:        primary.Symbol,
			AssetClass:    primary.AssetClass,
			Side:          closeSide,
			Type:          typ,
			Category:      category,
			Quantity:      primary.Quantity,
			Status:        domain.OrderStatusPending,
			GroupID:       primary.GroupID,
			ParentOrderID: &primary.ID,
			CreatedAt:     primary.CreatedAt,
		}
		out = append(out, c)
		return c
	}

	if req.StopLoss != nil && *req.StopLoss > 0 {
		c := add(domain.CategoryStopLoss, domain.OrderTypeStop)
		c.StopPrice = req.StopLoss
	}
	if req.TakeProfit != nil && *req.TakeProfit > 0 {
		c := add(domain.CategoryTakeProfit, domain.OrderTypeLimit)
		c.LimitPrice = req.TakeProfit
	}
	if req.TrailingStop != nil && *req.TrailingStop > 0 {
		c := add(domain.CategoryTrailingStop, domain.OrderTypeTrailingStop)
		c.TrailingDistance = req.TrailingStop
	}
	return out
}

// activateChildren 主订单成交后，把子订单的水位写入仓位风险参数
func (s *Service) activateChildren(position *domain.Position, children []*domain.Order) {
	if position == nil || len(children) == 0 {
		return
	}
	_ = s.book.Update(position.ID, func(p *domain.Position) {
		for _, c := range children {
			switch c.Category {
			case domain.CategoryStopLoss:
				p.StopLoss = c.StopPrice
			case domain.CategoryTakeProfit:
				p.TakeProfit = c.LimitPrice
			case domain.CategoryTrailingStop:
				p.TrailingStopDistance = c.TrailingDistance
				p.TrailingStopLevel = nil
			}
		}
		cp := *p
		s.persist.SavePosition(&cp)
	})

	s.groupMu.Lock()
	for _, c := range children {
		c.PositionID = position.ID
		s.persist.SaveOrder(c)
	}
	s.childrenByPosition[position.ID] = append(s.childrenByPosition[position.ID], children...)
	s.groupMu.Unlock()
}

// CancelOrder 撤销挂单。同组未激活的子订单一并撤销。
func (s *Service) CancelOrder(orderID string) (*domain.Order, error) {
	order, err := s.pending.Cancel(orderID)
	if err != nil {
		return nil, err
	}
	s.persist.SaveOrder(order)

	s.groupMu.Lock()
	children := s.childrenByOrder[orderID]
	delete(s.childrenByOrder, orderID)
	s.groupMu.Unlock()
	for _, c := range children {
		c.Status = domain.OrderStatusCancelled
		s.persist.SaveOrder(c)
	}
	return order, nil
}

// ClosePosition 用户主动平仓（quantity <= 0 为全量）。行情陈旧时拒绝。
func (s *Service) ClosePosition(positionID string, quantity float64) (*domain.ClosedPosition, error) {
	p, ok := s.book.Get(positionID)
	if !ok {
		// 让执行引擎区分 AlreadyClosed / PositionNotFound
		return s.exec.Close(positionID, quantity, 0, domain.CloseReasonManual)
	}
	price, err := s.freshQuote(p.Symbol)
	if err != nil {
		metrics.StaleRejects.Add(1)
		return nil, err
	}

	closed, err := s.exec.Close(positionID, quantity, price, domain.CloseReasonManual)
	if err != nil {
		return nil, err
	}
	if !closed.Partial {
		s.finalizeChildren(positionID, domain.CloseReasonManual, closed.ExitPrice, closed.ClosedAt)
	}
	return closed, nil
}

// ModifyPositionRisk 修改持仓的风险参数。
// 跟踪止损距离变化时触发位重置，下一个 tick 重新武装。
func (s *Service) ModifyPositionRisk(positionID string, params RiskParams) (domain.Position, error) {
	var snapshot domain.Position
	err := s.book.Update(positionID, func(p *domain.Position) {
		applyLevel := func(dst **float64, v *float64) {
			if v == nil {
				return
			}
			if *v <= 0 {
				*dst = nil
				return
			}
			lvl := *v
			*dst = &lvl
		}
		applyLevel(&p.StopLoss, params.StopLoss)
		applyLevel(&p.TakeProfit, params.TakeProfit)
		if params.TrailingStop != nil {
			if *params.TrailingStop <= 0 {
				p.TrailingStopDistance = nil
				p.TrailingStopLevel = nil
			} else {
				d := *params.TrailingStop
				p.TrailingStopDistance = &d
				p.TrailingStopLevel = nil
			}
		}
		snapshot = *p
	})
	if err != nil {
		return domain.Position{}, err
	}
	s.persist.SavePosition(&snapshot)
	log.Infof("仓位风险参数修改: position=%s sl=%v tp=%v trail=%v",
		positionID, params.StopLoss, params.TakeProfit, params.TrailingStop)
	return snapshot, nil
}

// ModifyOrder 修改挂单价格字段（与触发评估线性化）
func (s *Service) ModifyOrder(orderID string, limitPrice, stopPrice, trailingDistance *float64) (*domain.Order, error) {
	err := s.pending.Modify(orderID, func(o *domain.Order) {
		if limitPrice != nil {
			o.LimitPrice = limitPrice
		}
		if stopPrice != nil {
			o.StopPrice = stopPrice
		}
		if trailingDistance != nil {
			o.TrailingDistance = trailingDistance
		}
	})
	if err != nil {
		return nil, err
	}
	order, _ := s.pending.Get(orderID)
	if order != nil {
		cp := *order
		s.persist.SaveOrder(&cp)
		return &cp, nil
	}
	return nil, domain.ErrOrderNotFound
}

// ModifyOrderRisk 修改挂单的附属风险参数（主订单成交前）。
// nil 不改；<=0 撤销对应类别的子订单；正值更新水位，没有子订单时新建。
func (s *Service) ModifyOrderRisk(orderID string, params RiskParams) ([]*domain.Order, error) {
	primary, ok := s.pending.Get(orderID)
	if !ok || primary.Category != domain.CategoryPrimary {
		return nil, domain.ErrOrderNotFound
	}

	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	children := s.childrenByOrder[orderID]
	apply := func(category domain.OrderCategory, v *float64) {
		if v == nil {
			return
		}
		idx := -1
		for i, c := range children {
			if c.Category == category {
				idx = i
				break
			}
		}
		if *v <= 0 {
			if idx >= 0 {
				children[idx].Status = domain.OrderStatusCancelled
				s.persist.SaveOrder(children[idx])
				children = append(children[:idx], children[idx+1:]...)
			}
			return
		}
		lvl := *v
		if idx >= 0 {
			c := children[idx]
			switch category {
			case domain.CategoryStopLoss:
				c.StopPrice = &lvl
			case domain.CategoryTakeProfit:
				c.LimitPrice = &lvl
			case domain.CategoryTrailingStop:
				c.TrailingDistance = &lvl
			}
			s.persist.SaveOrder(c)
			return
		}
		c := &domain.Order{
			ID:            uuid.NewString(),
			UserID:        primary.UserID,
			Symbol:        primary.Symbol,
			AssetClass:    primary.AssetClass,
			Side:          primary.Side.Opposite(),
			Category:      category,
			Quantity:      primary.Quantity,
			Status:        domain.OrderStatusPending,
			GroupID:       primary.GroupID,
			ParentOrderID: &primary.ID,
			CreatedAt:     time.Now(),
		}
		switch category {
		case domain.CategoryStopLoss:
			c.Type = domain.OrderTypeStop
			c.StopPrice = &lvl
		case domain.CategoryTakeProfit:
			c.Type = domain.OrderTypeLimit
			c.LimitPrice = &lvl
		case domain.CategoryTrailingStop:
			c.Type = domain.OrderTypeTrailingStop
			c.TrailingDistance = &lvl
		}
		s.persist.SaveOrder(c)
		children = append(children, c)
	}

	apply(domain.CategoryStopLoss, params.StopLoss)
	apply(domain.CategoryTakeProfit, params.TakeProfit)
	apply(domain.CategoryTrailingStop, params.TrailingStop)

	if len(children) == 0 {
		delete(s.childrenByOrder, orderID)
	} else {
		s.childrenByOrder[orderID] = children
	}
	return children, nil
}

// freshQuote 返回最新报价。从未见过报价的符号返回 ErrSymbolUnavailable，
// 报价超过 StaleAfter 未更新返回 ErrStalePrice。
func (s *Service) freshQuote(symbol string) (float64, error) {
	price, at, ok := s.quotes.LastQuote(symbol)
	if !ok {
		return 0, domain.ErrSymbolUnavailable
	}
	if time.Now().UnixMilli()-at > s.cfg.StaleAfter.Milliseconds() {
		return 0, domain.ErrStalePrice
	}
	return price, nil
}

// finalizeChildren 仓位全量关闭后结算同组子订单：
// 因某个风险子订单触发关闭时该子订单按成交处理，其余撤销。
func (s *Service) finalizeChildren(positionID string, reason domain.CloseReason, price float64, at time.Time) {
	s.groupMu.Lock()
	children := s.childrenByPosition[positionID]
	delete(s.childrenByPosition, positionID)
	s.groupMu.Unlock()

	for _, c := range children {
		if matchesReason(c.Category, reason) {
			c.MarkFilled(price, at)
		} else {
			c.Status = domain.OrderStatusCancelled
		}
		s.persist.SaveOrder(c)
	}
}

func matchesReason(category domain.OrderCategory, reason domain.CloseReason) bool {
	switch reason {
	case domain.CloseReasonStopLoss:
		return category == domain.CategoryStopLoss
	case domain.CloseReasonTakeProfit:
		return category == domain.CategoryTakeProfit
	case domain.CloseReasonTrailingStop:
		return category == domain.CategoryTrailingStop
	}
	return false
}
