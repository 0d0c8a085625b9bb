package pending

import (
	"testing"
	"testing/quick"

	"github.com/dealdesk/gocfd/internal/domain"
)

func f64(v float64) *float64 { return &v }

func newOrder(id string, side domain.Side, typ domain.OrderType) *domain.Order {
	return &domain.Order{
		ID:       id,
		UserID:   "u1",
		Symbol:   "EURUSD",
		Side:     side,
		Type:     typ,
		Category: domain.CategoryPrimary,
		Quantity: 10,
		Status:   domain.OrderStatusPending,
	}
}

func TestLimitSell_FiresOnlyAtOrAboveLimit(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideSell, domain.OrderTypeLimit)
	o.LimitPrice = f64(102)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}

	if fired := s.OnTick("EURUSD", 98); len(fired) != 0 {
		t.Fatalf("98 触发了限价卖单: %+v", fired)
	}
	fired := s.OnTick("EURUSD", 102)
	if len(fired) != 1 {
		t.Fatalf("102 应触发恰好一单, got=%d", len(fired))
	}
	if fired[0].TriggerPrice != 102 {
		t.Fatalf("触发价错误: %f", fired[0].TriggerPrice)
	}
	// 触发即出库：后续 tick 不得重复触发
	if fired := s.OnTick("EURUSD", 106); len(fired) != 0 {
		t.Fatalf("106 重复触发: %+v", fired)
	}
	if _, ok := s.Get("o1"); ok {
		t.Fatalf("触发后订单仍在仓库")
	}
}

func TestLimitBuy_FiresAtOrBelowLimit(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideBuy, domain.OrderTypeLimit)
	o.LimitPrice = f64(100)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	if fired := s.OnTick("EURUSD", 100.5); len(fired) != 0 {
		t.Fatalf("100.5 不应触发")
	}
	if fired := s.OnTick("EURUSD", 99.9); len(fired) != 1 {
		t.Fatalf("99.9 应触发")
	}
}

func TestStopOrders_TriggerDirections(t *testing.T) {
	s := NewStore()
	buy := newOrder("b", domain.SideBuy, domain.OrderTypeStop)
	buy.StopPrice = f64(105)
	sell := newOrder("s", domain.SideSell, domain.OrderTypeStop)
	sell.StopPrice = f64(95)
	if err := s.Add(buy); err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if err := s.Add(sell); err != nil {
		t.Fatalf("add sell: %v", err)
	}

	if fired := s.OnTick("EURUSD", 100); len(fired) != 0 {
		t.Fatalf("100 不应触发任何止损单")
	}
	fired := s.OnTick("EURUSD", 105)
	if len(fired) != 1 || fired[0].Order.ID != "b" {
		t.Fatalf("105 应只触发买入止损: %+v", fired)
	}
	fired = s.OnTick("EURUSD", 94)
	if len(fired) != 1 || fired[0].Order.ID != "s" {
		t.Fatalf("94 应只触发卖出止损: %+v", fired)
	}
}

func TestStopLimit_ArmsThenFiresOnLimit(t *testing.T) {
	s := NewStore()
	// 买入 stop_limit：price >= 105 武装，之后 price <= 104 按限价成交
	o := newOrder("o1", domain.SideBuy, domain.OrderTypeStopLimit)
	o.StopPrice = f64(105)
	o.LimitPrice = f64(104)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}

	if fired := s.OnTick("EURUSD", 103); len(fired) != 0 {
		t.Fatalf("未武装前不应触发")
	}
	// 武装但 105 > limit 104，不触发
	if fired := s.OnTick("EURUSD", 105.5); len(fired) != 0 {
		t.Fatalf("武装 tick 不满足限价不应触发")
	}
	// 已武装，回落到限价内
	if fired := s.OnTick("EURUSD", 103.8); len(fired) != 1 {
		t.Fatalf("武装后满足限价应触发")
	}
}

func TestTrailingStop_RatchetsAndFires(t *testing.T) {
	s := NewStore()
	// 卖出跟踪止损（保护多头）：距离 2
	o := newOrder("o1", domain.SideSell, domain.OrderTypeTrailingStop)
	o.TrailingDistance = f64(2)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}

	// 100 -> level 98
	if fired := s.OnTick("EURUSD", 100); len(fired) != 0 {
		t.Fatalf("100 不应触发")
	}
	// 105 -> level 103（收紧）
	if fired := s.OnTick("EURUSD", 105); len(fired) != 0 {
		t.Fatalf("105 不应触发")
	}
	got, _ := s.Get("o1")
	if got.StopPrice == nil || *got.StopPrice != 103 {
		t.Fatalf("触发位未棘轮到 103: %+v", got.StopPrice)
	}
	// 回撤但未到 103
	if fired := s.OnTick("EURUSD", 103.5); len(fired) != 0 {
		t.Fatalf("103.5 不应触发")
	}
	// 水位不得放松
	got, _ = s.Get("o1")
	if *got.StopPrice != 103 {
		t.Fatalf("回撤后触发位被放松: %f", *got.StopPrice)
	}
	if fired := s.OnTick("EURUSD", 102.9); len(fired) != 1 {
		t.Fatalf("跌破 103 应触发")
	}
}

// 跟踪止损触发位单调性：任何价格序列下，保护多头的水位只升不降
func TestTrailingLevel_Monotonic(t *testing.T) {
	property := func(moves []float64) bool {
		trail := NewTrailingLevel(domain.SideSell, 1.5)
		price := 100.0
		prev := 0.0
		for _, m := range moves {
			// 约束到 ±1% 的相对波动
			if m > 1 {
				m = 1
			}
			if m < -1 {
				m = -1
			}
			price *= 1 + m/100
			if price <= 0 {
				return true
			}
			trail.Ratchet(price)
			if trail.Armed && trail.Level < prev {
				return false
			}
			if trail.Armed {
				prev = trail.Level
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatal(err)
	}
}

func TestCancel_WinsOverNothingAndIsIdempotent(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideBuy, domain.OrderTypeLimit)
	o.LimitPrice = f64(100)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}

	cancelled, err := s.Cancel("o1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("状态错误: %s", cancelled.Status)
	}
	// 重复取消与取消不存在的单都是 ErrOrderNotFound
	if _, err := s.Cancel("o1"); err != domain.ErrOrderNotFound {
		t.Fatalf("重复取消应返回 ErrOrderNotFound, got=%v", err)
	}
	if _, err := s.Cancel("nope"); err != domain.ErrOrderNotFound {
		t.Fatalf("未知单应返回 ErrOrderNotFound, got=%v", err)
	}
	// 取消后 tick 不得触发
	if fired := s.OnTick("EURUSD", 50); len(fired) != 0 {
		t.Fatalf("取消后仍触发")
	}
}

func TestAdd_RejectsMissingPriceFields(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideBuy, domain.OrderTypeLimit)
	// 缺 LimitPrice
	if err := s.Add(o); err != domain.ErrInvalidOrder {
		t.Fatalf("缺限价应拒绝, got=%v", err)
	}
	m := newOrder("o2", domain.SideBuy, domain.OrderTypeMarket)
	if err := s.Add(m); err != domain.ErrInvalidOrder {
		t.Fatalf("市价单不应进挂单仓库, got=%v", err)
	}
}

func TestModify_RevalidatesUnderBucketLock(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideSell, domain.OrderTypeLimit)
	o.LimitPrice = f64(102)
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Modify("o1", func(o *domain.Order) { o.LimitPrice = f64(110) }); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if fired := s.OnTick("EURUSD", 105); len(fired) != 0 {
		t.Fatalf("改价后 105 不应触发")
	}
	if fired := s.OnTick("EURUSD", 110); len(fired) != 1 {
		t.Fatalf("改价后 110 应触发")
	}
}

// 带触发位回来的跟踪止损（状态恢复路径）视为已武装：保持水位，之后只收紧
func TestAdd_TrailingWithArmedLevelRestores(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideSell, domain.OrderTypeTrailingStop)
	o.TrailingDistance = f64(2)
	o.StopPrice = f64(103) // 恢复前棘轮到的触发位
	if err := s.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}

	// 低于恢复水位的行情不得放松触发位
	if fired := s.OnTick("EURUSD", 104); len(fired) != 0 {
		t.Fatalf("104 不应触发")
	}
	got, _ := s.Get("o1")
	if got.StopPrice == nil || *got.StopPrice != 103 {
		t.Fatalf("恢复的触发位被放松: %+v", got.StopPrice)
	}
	// 跌破恢复水位即触发
	if fired := s.OnTick("EURUSD", 102.9); len(fired) != 1 {
		t.Fatalf("102.9 应触发, got=%d", len(fired))
	}
}

// 用户侧订单携带多余价格字段在入库校验就被拒绝
func TestAdd_RejectsExtraneousPriceFields(t *testing.T) {
	s := NewStore()
	o := newOrder("o1", domain.SideBuy, domain.OrderTypeLimit)
	o.LimitPrice = f64(100)
	o.StopPrice = f64(90)
	if err := s.Add(o); err != domain.ErrInvalidOrder {
		t.Fatalf("限价单携带 StopPrice 应拒绝, got=%v", err)
	}
}
