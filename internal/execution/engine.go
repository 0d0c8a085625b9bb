package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/book"
	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/events"
	"github.com/dealdesk/gocfd/internal/ledger"
	"github.com/dealdesk/gocfd/internal/metrics"
	"github.com/dealdesk/gocfd/internal/ports"
	"github.com/dealdesk/gocfd/internal/risk"
	"github.com/dealdesk/gocfd/pkg/cache"
)

var log = logrus.WithField("component", "execution_engine")

// Config 执行引擎配置
type Config struct {
	// SlippageBps 滑点上界（基点，对称分布 ±SlippageBps）
	SlippageBps float64
	// MaxExposure 单账户名义敞口上限（账户货币；0 = 不限制）
	MaxExposure float64
	// DefaultLeverage 订单未指定杠杆时的默认值
	DefaultLeverage float64
	// MaxLeverage 允许的最大杠杆
	MaxLeverage float64
	// ClosedTTL 已平仓位 ID 的记忆窗口（区分 AlreadyClosed 与 PositionNotFound）
	ClosedTTL time.Duration
}

func (c *Config) defaults() {
	if c.DefaultLeverage < 1 {
		c.DefaultLeverage = 1
	}
	if c.MaxLeverage < c.DefaultLeverage {
		c.MaxLeverage = c.DefaultLeverage
	}
	if c.ClosedTTL <= 0 {
		c.ClosedTTL = 10 * time.Minute
	}
}

// Engine 执行引擎：把触发/市价订单变成成交——滑点、保证金检查、
// 建仓或加仓、账本更新；以及平仓的逆过程。
//
// 单账户内的检查与变更通过 ledger.Serialize 串行化：tick 驱动的
// 止盈/止损平仓与用户主动下单并发命中同一账户时不会交错。
type Engine struct {
	cfg      Config
	ledger   *ledger.Ledger
	book     *book.Book
	breaker  *risk.CircuitBreaker
	slippage *SlippageModel
	sink     ports.EventSink
	persist  ports.Persister

	// closed 记住最近平掉的仓位 ID，让输掉平仓竞争的一方拿到 AlreadyClosed
	closed *cache.InMemoryCache[string, domain.CloseReason]
}

// NewEngine 创建执行引擎
func NewEngine(
	cfg Config,
	l *ledger.Ledger,
	b *book.Book,
	breaker *risk.CircuitBreaker,
	rng ports.RandSource,
	sink ports.EventSink,
	persist ports.Persister,
) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		ledger:   l,
		book:     b,
		breaker:  breaker,
		slippage: NewSlippageModel(cfg.SlippageBps, rng),
		sink:     sink,
		persist:  persist,
		closed:   cache.NewInMemoryCache[string, domain.CloseReason](cfg.ClosedTTL),
	}
}

// Fill 按参考价执行主订单：executionPrice = referencePrice ± 滑点，
// 保证金 = executionPrice * quantity / leverage。
// 同 user+symbol+side 已有持仓时加仓并按成交量加权重算入场价，否则建新仓。
func (e *Engine) Fill(order *domain.Order, referencePrice float64) (*domain.Position, error) {
	if err := e.breaker.AllowTrading(); err != nil {
		return nil, e.reject(order, err)
	}
	if err := order.Validate(); err != nil {
		return nil, e.reject(order, err)
	}

	leverage := order.Leverage
	if leverage == 0 {
		leverage = e.cfg.DefaultLeverage
	}
	if leverage < 1 || leverage > e.cfg.MaxLeverage {
		return nil, e.reject(order, domain.ErrInvalidOrder)
	}
	order.Leverage = leverage

	execPrice := e.slippage.Apply(referencePrice)
	marginRequired := execPrice * order.Quantity / leverage
	notional := execPrice * order.Quantity
	side := domain.PositionSideFromOrder(order.Side)

	var position *domain.Position
	err := e.ledger.Serialize(order.UserID, func() error {
		if e.cfg.MaxExposure > 0 && e.book.Exposure(order.UserID)+notional > e.cfg.MaxExposure {
			return domain.ErrExceedsExposureLimit
		}
		if err := e.ledger.ReserveMargin(order.UserID, marginRequired); err != nil {
			return err
		}

		now := time.Now()
		if id, ok := e.book.Find(order.UserID, order.Symbol, side); ok {
			_ = e.book.Update(id, func(p *domain.Position) {
				p.AddFill(order.Quantity, execPrice, marginRequired, now)
				cp := *p
				position = &cp
			})
			return nil
		}

		p := &domain.Position{
			ID:             uuid.NewString(),
			UserID:         order.UserID,
			Symbol:         order.Symbol,
			Side:           side,
			Quantity:       order.Quantity,
			EntryPrice:     execPrice,
			MarginRequired: marginRequired,
			Leverage:       leverage,
			CreatedAt:      now,
		}
		p.RecomputePnL(execPrice, now)
		e.book.Apply(p)
		cp := *p
		position = &cp
		return nil
	})
	if err != nil {
		return nil, e.reject(order, err)
	}

	now := time.Now()
	order.MarkFilled(execPrice, now)
	order.PositionID = position.ID

	log.Infof("订单成交: order=%s user=%s symbol=%s side=%s qty=%.4f exec=%.5f margin=%.4f",
		order.ID, order.UserID, order.Symbol, order.Side, order.Quantity, execPrice, marginRequired)

	e.persist.SaveOrder(order)
	e.persist.SavePosition(position)
	e.sink.Publish(order.UserID, events.TypeOrderFilled, events.OrderFilledEvent{
		Order:     order,
		Position:  position,
		Timestamp: now,
	})
	e.publishMetrics(order.UserID)

	metrics.OrdersFilled.Add(1)
	e.breaker.OnSuccess()
	return position, nil
}

// Close 按参考价平仓。quantity <= 0 表示全量平仓。
//
// pnl = (executionPrice - entryPrice) * closedQty * 方向符号；
// 按比例释放占用保证金，盈亏入账 realizedPnl。
// 并发平仓的线性化点在 book.Reduce：输掉竞争的一方按是否还记得该 ID
// 拿到 AlreadyClosed 或 PositionNotFound。
func (e *Engine) Close(positionID string, quantity, referencePrice float64, reason domain.CloseReason) (*domain.ClosedPosition, error) {
	p, ok := e.book.Get(positionID)
	if !ok {
		return nil, e.closedErr(positionID)
	}

	var result *domain.ClosedPosition
	err := e.ledger.Serialize(p.UserID, func() error {
		now := time.Now()
		execPrice := e.slippage.Apply(referencePrice)

		snapshot, closedQty, marginShare, full, err := e.book.Reduce(positionID, quantity, execPrice, now)
		if err != nil {
			return err
		}

		pnl := snapshot.PnLAt(execPrice, closedQty)
		e.ledger.ReleaseMargin(snapshot.UserID, marginShare)
		e.ledger.AddRealizedPnl(snapshot.UserID, pnl)
		e.breaker.AddPnL(pnl)

		if full {
			e.closed.Set(positionID, reason, 0)
		} else {
			// 部分平仓：缩减后的仓位仍在簿上
			cp := snapshot
			e.persist.SavePosition(&cp)
		}

		result = &domain.ClosedPosition{
			PositionID:    positionID,
			UserID:        snapshot.UserID,
			Symbol:        snapshot.Symbol,
			Side:          snapshot.Side,
			Quantity:      closedQty,
			EntryPrice:    snapshot.EntryPrice,
			ExitPrice:     execPrice,
			RealizedPnl:   pnl,
			MarginRelease: marginShare,
			Reason:        reason,
			Partial:       !full,
			ClosedAt:      now,
		}
		return nil
	})
	if err != nil {
		if err == domain.ErrPositionNotFound {
			return nil, e.closedErr(positionID)
		}
		return nil, err
	}

	log.Infof("仓位平仓: position=%s user=%s symbol=%s qty=%.4f exit=%.5f pnl=%.4f reason=%s partial=%v",
		positionID, result.UserID, result.Symbol, result.Quantity, result.ExitPrice,
		result.RealizedPnl, reason, result.Partial)

	e.persist.SaveClosedPosition(result)
	e.sink.Publish(result.UserID, events.TypePositionClosed, events.PositionClosedEvent{
		Closed:    result,
		Timestamp: result.ClosedAt,
	})
	e.publishMetrics(result.UserID)

	metrics.PositionsClosed.Add(1)
	return result, nil
}

// Reject 由外层在执行前置检查失败时调用（行情陈旧、账户不存在等），
// 走与内部拒绝相同的落档与事件路径。
func (e *Engine) Reject(order *domain.Order, err error) error {
	return e.reject(order, err)
}

// closedErr 区分“从未有过/早已不在”与“刚刚被并发平掉”
func (e *Engine) closedErr(positionID string) error {
	if _, ok := e.closed.Get(positionID); ok {
		return domain.ErrAlreadyClosed
	}
	return domain.ErrPositionNotFound
}

// reject 拒绝订单：落档原因码并发布 ORDER_REJECTED，绝不静默丢弃
func (e *Engine) reject(order *domain.Order, err error) error {
	reason := domain.RejectReason(err)
	order.MarkRejected(reason)

	log.Warnf("订单拒绝: order=%s user=%s symbol=%s reason=%s", order.ID, order.UserID, order.Symbol, reason)

	e.persist.SaveOrder(order)
	e.sink.Publish(order.UserID, events.TypeOrderRejected, events.OrderRejectedEvent{
		Order:     order,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	metrics.OrdersRejected.Add(1)
	return err
}

// publishMetrics 状态转移完成后推送账户指标
func (e *Engine) publishMetrics(userID string) {
	snapshot, err := e.ledger.Snapshot(userID)
	if err != nil {
		return
	}
	e.persist.SaveAccount(snapshot)
	e.sink.Publish(userID, events.TypeAccountMetricsUpdate, events.AccountMetricsEvent{
		Metrics:   snapshot,
		Timestamp: time.Now(),
	})
}
