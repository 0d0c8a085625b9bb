package risk

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
)

// CircuitBreakerConfig 熔断器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续内部错误上限（落档失败/执行异常等，
	// 业务拒绝如保证金不足不计入）。
	MaxConsecutiveErrors int64

	// DailyLossLimit 当日最大已实现亏损（账户货币）。达到或超过立即熔断开仓。
	DailyLossLimit float64
}

// CircuitBreaker 开仓熔断闸。高频快路径只读原子变量；熔断后平仓不受影响
// （平仓是在降低风险，不应被闸住）。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors atomic.Int64
	dailyPnlCents     atomic.Int64
	dayKey            atomic.Int64 // YYYYMMDD

	maxConsecutiveErrors atomic.Int64
	dailyLossLimitCents  atomic.Int64
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

// SetConfig 更新配置（低频，原子写入）
func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.dailyLossLimitCents.Store(int64(math.Round(cfg.DailyLossLimit * 100)))
}

// Halt 手动熔断（人工介入或检测到严重异常）
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（同时清空连续错误计数）
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// AllowTrading 快路径检查是否允许开仓
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		return domain.ErrTradingHalted
	}

	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.halted.Store(true)
		return domain.ErrTradingHalted
	}

	limit := cb.dailyLossLimitCents.Load()
	if limit > 0 {
		cb.rollDayIfNeeded()
		if cb.dailyPnlCents.Load() <= -limit {
			cb.halted.Store(true)
			return domain.ErrTradingHalted
		}
	}

	return nil
}

// OnSuccess 一次关键执行成功后清空连续错误计数
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 一次关键执行内部失败后累计连续错误计数
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// AddPnL 增量更新当日已实现盈亏（负数亏损，正数盈利）
func (cb *CircuitBreaker) AddPnL(delta float64) {
	if cb == nil {
		return
	}
	cb.rollDayIfNeeded()
	cb.dailyPnlCents.Add(int64(math.Round(delta * 100)))
}

func (cb *CircuitBreaker) rollDayIfNeeded() {
	// YYYYMMDD（本地时间即可；风控用途不要求跨时区精确）
	now := time.Now()
	key := int64(now.Year()*10000 + int(now.Month())*100 + now.Day())
	prev := cb.dayKey.Load()
	if prev == key {
		return
	}
	// 切换成功者负责清零当日 PnL
	if cb.dayKey.CompareAndSwap(prev, key) {
		cb.dailyPnlCents.Store(0)
	}
}
