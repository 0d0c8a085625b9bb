package book

import (
	"math"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
)

func newPosition(id string, side domain.PositionSide, qty, entry float64) *domain.Position {
	p := &domain.Position{
		ID:             id,
		UserID:         "u1",
		Symbol:         "BTCUSD",
		Side:           side,
		Quantity:       qty,
		EntryPrice:     entry,
		MarginRequired: entry * qty / 10,
		Leverage:       10,
		CreatedAt:      time.Now(),
	}
	p.RecomputePnL(entry, time.Now())
	return p
}

func TestMarkToMarket_PnLInvariant(t *testing.T) {
	property := func(qty, entry, price float64) bool {
		qty = 0.01 + math.Abs(qty)
		entry = 1 + math.Abs(entry)
		price = 1 + math.Abs(price)
		if math.IsInf(qty, 0) || math.IsInf(entry, 0) || math.IsInf(price, 0) {
			return true
		}

		b := NewBook()
		long := newPosition("l", domain.PositionLong, qty, entry)
		short := newPosition("s", domain.PositionShort, qty, entry)
		b.Apply(long)
		b.Apply(short)

		snaps := b.MarkToMarket("BTCUSD", price, time.Now())
		if len(snaps) != 2 {
			return false
		}
		for _, p := range snaps {
			want := (price - entry) * qty * p.Side.DirectionSign()
			if p.UnrealizedPnl != want {
				return false
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 300}); err != nil {
		t.Fatal(err)
	}
}

func TestReduce_PartialKeepsProportionalMargin(t *testing.T) {
	b := NewBook()
	p := newPosition("p1", domain.PositionLong, 10, 100) // margin 100
	b.Apply(p)

	snapshot, closedQty, marginShare, full, err := b.Reduce("p1", 4, 110, time.Now())
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if full {
		t.Fatalf("部分平仓不应全量移除")
	}
	if closedQty != 4 {
		t.Fatalf("closedQty=%v", closedQty)
	}
	if marginShare != 40 {
		t.Fatalf("保证金应按比例释放 40, got=%v", marginShare)
	}
	if snapshot.EntryPrice != 100 {
		t.Fatalf("部分平仓不得改变入场价: %v", snapshot.EntryPrice)
	}

	remaining, ok := b.Get("p1")
	if !ok {
		t.Fatalf("剩余仓位消失")
	}
	if remaining.Quantity != 6 || remaining.MarginRequired != 60 {
		t.Fatalf("剩余仓位错误: qty=%v margin=%v", remaining.Quantity, remaining.MarginRequired)
	}
}

func TestReduce_FullRemovesPosition(t *testing.T) {
	b := NewBook()
	b.Apply(newPosition("p1", domain.PositionLong, 10, 100))

	_, closedQty, marginShare, full, err := b.Reduce("p1", 0, 105, time.Now())
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if !full || closedQty != 10 || marginShare != 100 {
		t.Fatalf("全量平仓结果错误: full=%v qty=%v margin=%v", full, closedQty, marginShare)
	}
	if _, ok := b.Get("p1"); ok {
		t.Fatalf("全量平仓后仓位仍在")
	}
	if _, _, _, _, err := b.Reduce("p1", 0, 105, time.Now()); err != domain.ErrPositionNotFound {
		t.Fatalf("重复平仓应 ErrPositionNotFound, got=%v", err)
	}
}

// 并发全量平仓：恰有一方成功，其余拿到 ErrPositionNotFound
func TestReduce_ConcurrentCloseExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		b := NewBook()
		b.Apply(newPosition("p1", domain.PositionLong, 10, 100))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, _, full, err := b.Reduce("p1", 0, 101, time.Now()); err == nil && full {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("并发平仓应恰有一方成功, got=%d", wins)
		}
	}
}

func TestFindAndAggregates(t *testing.T) {
	b := NewBook()
	long := newPosition("l1", domain.PositionLong, 2, 100)
	b.Apply(long)
	short := newPosition("s1", domain.PositionShort, 3, 100)
	b.Apply(short)

	id, ok := b.Find("u1", "BTCUSD", domain.PositionLong)
	if !ok || id != "l1" {
		t.Fatalf("find long: %v %v", id, ok)
	}

	b.MarkToMarket("BTCUSD", 110, time.Now())
	// long +20, short -30
	if sum := b.UnrealizedSum("u1"); sum != -10 {
		t.Fatalf("UnrealizedSum=%v", sum)
	}
	// exposure = (2+3)*110
	if exp := b.Exposure("u1"); exp != 550 {
		t.Fatalf("Exposure=%v", exp)
	}
}

func TestUpdate_MutatesUnderLock(t *testing.T) {
	b := NewBook()
	b.Apply(newPosition("p1", domain.PositionLong, 1, 100))
	err := b.Update("p1", func(p *domain.Position) {
		sl := 95.0
		p.StopLoss = &sl
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	p, _ := b.Get("p1")
	if p.StopLoss == nil || *p.StopLoss != 95 {
		t.Fatalf("StopLoss 未生效: %+v", p.StopLoss)
	}
	if err := b.Update("ghost", func(*domain.Position) {}); err != domain.ErrPositionNotFound {
		t.Fatalf("got=%v", err)
	}
}
