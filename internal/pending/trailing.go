package pending

import (
	"github.com/dealdesk/gocfd/internal/domain"
)

// TrailingLevel 跟踪止损触发位。
//
// 棘轮语义：触发位只随行情向有利方向推进，绝不放松——
//   - 保护多头（sell 方向平仓）：level = max(level, price - distance)
//   - 保护空头（buy 方向平仓）：level = min(level, price + distance)
//
// 该实现同时被两处使用：
//   - PendingOrderStore 中独立的 trailing_stop 挂单
//   - RiskMonitor 对持仓 TrailingStopDistance 构造的合成跟踪单
type TrailingLevel struct {
	Side     domain.Side // 触发后执行的方向（sell=保护多头，buy=保护空头）
	Distance float64
	Level    float64
	Armed    bool // 首个报价到达后才有触发位
}

// NewTrailingLevel 创建未武装的跟踪止损（首个报价 Ratchet 后武装）
func NewTrailingLevel(side domain.Side, distance float64) *TrailingLevel {
	return &TrailingLevel{Side: side, Distance: distance}
}

// Ratchet 按最新价格推进触发位，返回触发位是否发生变化
func (t *TrailingLevel) Ratchet(price float64) bool {
	if t.Distance <= 0 {
		return false
	}
	if t.Side == domain.SideSell {
		candidate := price - t.Distance
		if !t.Armed || candidate > t.Level {
			t.Level = candidate
			t.Armed = true
			return true
		}
		return false
	}
	candidate := price + t.Distance
	if !t.Armed || candidate < t.Level {
		t.Level = candidate
		t.Armed = true
		return true
	}
	return false
}

// Fired 检查价格是否反向穿越触发位
func (t *TrailingLevel) Fired(price float64) bool {
	if !t.Armed {
		return false
	}
	if t.Side == domain.SideSell {
		return price <= t.Level
	}
	return price >= t.Level
}
