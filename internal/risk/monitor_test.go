package risk

import (
	"testing"
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
)

func f64(v float64) *float64 { return &v }

func longPosition(entry float64) *domain.Position {
	p := &domain.Position{
		ID:         "p1",
		UserID:     "u1",
		Symbol:     "XAUUSD",
		Side:       domain.PositionLong,
		Quantity:   1,
		EntryPrice: entry,
		Leverage:   10,
	}
	p.RecomputePnL(entry, time.Now())
	return p
}

func TestEvaluate_StopLossLong(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	p.StopLoss = f64(95)

	if req := m.Evaluate(p, 95.1); req != nil {
		t.Fatalf("95.1 不应触发: %+v", req)
	}
	req := m.Evaluate(p, 95)
	if req == nil || req.Reason != domain.CloseReasonStopLoss {
		t.Fatalf("95 应触发止损: %+v", req)
	}
}

func TestEvaluate_TakeProfitShort(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	p.Side = domain.PositionShort
	p.TakeProfit = f64(90)

	if req := m.Evaluate(p, 91); req != nil {
		t.Fatalf("91 不应触发: %+v", req)
	}
	req := m.Evaluate(p, 90)
	if req == nil || req.Reason != domain.CloseReasonTakeProfit {
		t.Fatalf("90 应触发止盈: %+v", req)
	}
}

// 跳空同时穿越止损与止盈水位：止损优先
func TestEvaluate_StopLossWinsOnGap(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	p.StopLoss = f64(95)
	p.TakeProfit = f64(94) // 人为制造两水位同时满足的跳空场景

	req := m.Evaluate(p, 94.5)
	if req == nil || req.Reason != domain.CloseReasonStopLoss {
		t.Fatalf("跳空应止损优先: %+v", req)
	}
}

func TestEvaluate_TrailingStopRatchetsOnPosition(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	p.TrailingStopDistance = f64(3)

	// 首个报价武装：level = 100-3
	if req := m.Evaluate(p, 100); req != nil {
		t.Fatalf("武装 tick 不应触发")
	}
	if p.TrailingStopLevel == nil || *p.TrailingStopLevel != 97 {
		t.Fatalf("level=%v", p.TrailingStopLevel)
	}
	// 上行收紧
	if req := m.Evaluate(p, 110); req != nil {
		t.Fatalf("110 不应触发")
	}
	if *p.TrailingStopLevel != 107 {
		t.Fatalf("level 未棘轮到 107: %v", *p.TrailingStopLevel)
	}
	// 回撤未破位：水位不放松
	if req := m.Evaluate(p, 108); req != nil {
		t.Fatalf("108 不应触发")
	}
	if *p.TrailingStopLevel != 107 {
		t.Fatalf("level 被放松: %v", *p.TrailingStopLevel)
	}
	// 破位
	req := m.Evaluate(p, 106.9)
	if req == nil || req.Reason != domain.CloseReasonTrailingStop {
		t.Fatalf("106.9 应触发跟踪止损: %+v", req)
	}
}

func TestEvaluate_ShortTrailingStop(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	p.Side = domain.PositionShort
	p.TrailingStopDistance = f64(2)

	_ = m.Evaluate(p, 100) // level = 102
	_ = m.Evaluate(p, 90)  // level = 92
	if *p.TrailingStopLevel != 92 {
		t.Fatalf("空头 level=%v", *p.TrailingStopLevel)
	}
	req := m.Evaluate(p, 92.5)
	if req == nil || req.Reason != domain.CloseReasonTrailingStop {
		t.Fatalf("回升破位应触发: %+v", req)
	}
}

func TestEvaluate_NoLevelsNoRequest(t *testing.T) {
	m := NewMonitor()
	p := longPosition(100)
	for _, price := range []float64{1, 100, 100000} {
		if req := m.Evaluate(p, price); req != nil {
			t.Fatalf("无风险参数不应触发: price=%v", price)
		}
	}
}
