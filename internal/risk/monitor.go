package risk

import (
	"github.com/sirupsen/logrus"

	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/pending"
)

var log = logrus.WithField("component", "risk_monitor")

// CloseRequest 风控平仓请求（交给执行引擎）
type CloseRequest struct {
	PositionID string
	UserID     string
	Symbol     string
	Price      float64
	Reason     domain.CloseReason
}

// Monitor 持仓风控：每次价格更新后评估止损/止盈/跟踪止损。
//
// 每个仓位每个 tick 至多发出一个平仓请求。同一 tick 内止损与止盈
// 同时满足（跳空穿越两个水位）时止损优先——保守策略，先落袋为安的是风险出清。
// 跟踪止损复用挂单仓库的棘轮逻辑（pending.TrailingLevel），对持仓的
// TrailingStopDistance 构造合成跟踪单，触发位写回 position.TrailingStopLevel。
type Monitor struct{}

// NewMonitor 创建风控监视器
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Evaluate 评估一个仓位。会原地棘轮推进 p.TrailingStopLevel
// （调用方需持有仓位簿写锁，通常经 book.Update 进入）。
// 返回 nil 表示本 tick 无需平仓。
func (m *Monitor) Evaluate(p *domain.Position, price float64) *CloseRequest {
	if p == nil || p.Quantity <= 0 {
		return nil
	}

	long := p.Side == domain.PositionLong

	// 1. 止损（最高优先级）
	if p.StopLoss != nil {
		sl := *p.StopLoss
		if (long && price <= sl) || (!long && price >= sl) {
			log.Infof("止损触发: position=%s symbol=%s price=%.5f sl=%.5f", p.ID, p.Symbol, price, sl)
			return m.request(p, price, domain.CloseReasonStopLoss)
		}
	}

	// 2. 跟踪止损（止损的一种，优先于止盈）
	if p.TrailingStopDistance != nil && *p.TrailingStopDistance > 0 {
		closeSide := domain.SideSell
		if !long {
			closeSide = domain.SideBuy
		}
		trail := pending.NewTrailingLevel(closeSide, *p.TrailingStopDistance)
		if p.TrailingStopLevel != nil {
			trail.Level = *p.TrailingStopLevel
			trail.Armed = true
		}
		trail.Ratchet(price)
		level := trail.Level
		p.TrailingStopLevel = &level

		if trail.Fired(price) {
			log.Infof("跟踪止损触发: position=%s symbol=%s price=%.5f level=%.5f",
				p.ID, p.Symbol, price, level)
			return m.request(p, price, domain.CloseReasonTrailingStop)
		}
	}

	// 3. 止盈
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		if (long && price >= tp) || (!long && price <= tp) {
			log.Infof("止盈触发: position=%s symbol=%s price=%.5f tp=%.5f", p.ID, p.Symbol, price, tp)
			return m.request(p, price, domain.CloseReasonTakeProfit)
		}
	}

	return nil
}

func (m *Monitor) request(p *domain.Position, price float64, reason domain.CloseReason) *CloseRequest {
	return &CloseRequest{
		PositionID: p.ID,
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Price:      price,
		Reason:     reason,
	}
}
