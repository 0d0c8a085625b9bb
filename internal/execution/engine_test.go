package execution

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dealdesk/gocfd/internal/book"
	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/events"
	"github.com/dealdesk/gocfd/internal/ledger"
	"github.com/dealdesk/gocfd/internal/risk"
)

// fixedRand 固定随机序列
type fixedRand struct {
	mu     sync.Mutex
	values []float64
	i      int
}

func (r *fixedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return 0.5
	}
	v := r.values[r.i%len(r.values)]
	r.i++
	return v
}

// recordingSink 捕获发布的事件
type recordingSink struct {
	mu     sync.Mutex
	events []events.Type
}

func (s *recordingSink) Publish(userID string, eventType events.Type, payload interface{}) {
	s.mu.Lock()
	s.events = append(s.events, eventType)
	s.mu.Unlock()
}

func (s *recordingSink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == t {
			n++
		}
	}
	return n
}

type nopPersist struct{}

func (nopPersist) SaveOrder(*domain.Order)                   {}
func (nopPersist) SavePosition(*domain.Position)             {}
func (nopPersist) SaveClosedPosition(*domain.ClosedPosition) {}
func (nopPersist) SaveAccount(domain.AccountMetrics)         {}

func newTestEngine(cfg Config, rng *fixedRand) (*Engine, *ledger.Ledger, *book.Book, *recordingSink) {
	b := book.NewBook()
	l := ledger.NewLedger(b)
	sink := &recordingSink{}
	e := NewEngine(cfg, l, b, risk.NewCircuitBreaker(risk.CircuitBreakerConfig{}), rng, sink, nopPersist{})
	return e, l, b, sink
}

func marketOrder(qty, leverage float64, side domain.Side) *domain.Order {
	return &domain.Order{
		ID:        "o1",
		UserID:    "u1",
		Symbol:    "BTCUSD",
		Side:      side,
		Type:      domain.OrderTypeMarket,
		Category:  domain.CategoryPrimary,
		Quantity:  qty,
		Leverage:  leverage,
		Status:    domain.OrderStatusPending,
		CreatedAt: time.Now(),
	}
}

func TestFill_MarketBuy(t *testing.T) {
	e, l, _, sink := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 1000)

	order := marketOrder(2, 10, domain.SideBuy)
	p, err := e.Fill(order, 100)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	// 无滑点配置：成交价 = 参考价
	if p.EntryPrice != 100 || p.Quantity != 2 || p.Side != domain.PositionLong {
		t.Fatalf("仓位错误: %+v", p)
	}
	// margin = 100*2/10
	if p.MarginRequired != 20 {
		t.Fatalf("margin=%v", p.MarginRequired)
	}
	if order.Status != domain.OrderStatusFilled || *order.FillPrice != 100 {
		t.Fatalf("订单状态: %+v", order)
	}
	m, _ := l.Snapshot("u1")
	if m.UsedMargin != 20 || m.AvailableFunds != 980 {
		t.Fatalf("账本未更新: %+v", m)
	}
	if sink.count(events.TypeOrderFilled) != 1 {
		t.Fatalf("缺 ORDER_FILLED 事件")
	}
}

func TestFill_DeterministicSlippage(t *testing.T) {
	// u=1.0 → 最大正滑点：price = ref*(1 + maxBps/10000)
	rng := &fixedRand{values: []float64{1.0}}
	e, l, _, _ := newTestEngine(Config{SlippageBps: 10, MaxLeverage: 100}, rng)
	l.CreateAccount("u1", 10000)

	p, err := e.Fill(marketOrder(1, 10, domain.SideBuy), 100)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	want := 100 * (1 + 10.0/10000)
	if math.Abs(p.EntryPrice-want) > 1e-12 {
		t.Fatalf("entry=%v want=%v", p.EntryPrice, want)
	}
}

func TestFill_InsufficientMarginRejects(t *testing.T) {
	e, l, b, sink := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 10)

	order := marketOrder(2, 10, domain.SideBuy) // 需要 20
	_, err := e.Fill(order, 100)
	if err != domain.ErrInsufficientMargin {
		t.Fatalf("got=%v", err)
	}
	if order.Status != domain.OrderStatusRejected || order.RejectReason == "" {
		t.Fatalf("拒绝单未落原因: %+v", order)
	}
	if len(b.ByUser("u1")) != 0 {
		t.Fatalf("拒绝单不得建仓")
	}
	m, _ := l.Snapshot("u1")
	if m.UsedMargin != 0 {
		t.Fatalf("拒绝单不得占用保证金: %+v", m)
	}
	if sink.count(events.TypeOrderRejected) != 1 {
		t.Fatalf("缺 ORDER_REJECTED 事件")
	}
}

func TestFill_ExposureLimit(t *testing.T) {
	e, l, _, _ := newTestEngine(Config{MaxExposure: 500, MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 10000)

	if _, err := e.Fill(marketOrder(4, 10, domain.SideBuy), 100); err != nil {
		t.Fatalf("敞口 400 应通过: %v", err)
	}
	o2 := marketOrder(2, 10, domain.SideBuy)
	o2.ID = "o2"
	if _, err := e.Fill(o2, 100); err != domain.ErrExceedsExposureLimit {
		t.Fatalf("敞口 600 应拒绝, got=%v", err)
	}
}

func TestFill_MergesSameDirectionVWAP(t *testing.T) {
	e, l, b, _ := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 10000)

	p1, err := e.Fill(marketOrder(1, 10, domain.SideBuy), 100)
	if err != nil {
		t.Fatalf("fill1: %v", err)
	}
	o2 := marketOrder(3, 10, domain.SideBuy)
	o2.ID = "o2"
	p2, err := e.Fill(o2, 120)
	if err != nil {
		t.Fatalf("fill2: %v", err)
	}

	if p2.ID != p1.ID {
		t.Fatalf("同向同符号应合并仓位")
	}
	// VWAP = (100*1 + 120*3)/4 = 115
	if p2.EntryPrice != 115 || p2.Quantity != 4 {
		t.Fatalf("VWAP 合并错误: entry=%v qty=%v", p2.EntryPrice, p2.Quantity)
	}
	if len(b.ByUser("u1")) != 1 {
		t.Fatalf("应只有一个仓位")
	}
	// 反向开新仓
	o3 := marketOrder(1, 10, domain.SideSell)
	o3.ID = "o3"
	p3, err := e.Fill(o3, 120)
	if err != nil {
		t.Fatalf("fill3: %v", err)
	}
	if p3.ID == p1.ID {
		t.Fatalf("反向不得合并")
	}
}

func TestClose_FullRealizesPnlAndReleasesMargin(t *testing.T) {
	e, l, _, sink := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 1000)

	p, err := e.Fill(marketOrder(2, 10, domain.SideBuy), 100)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}

	closed, err := e.Close(p.ID, 0, 150, domain.CloseReasonManual)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// pnl = (150-100)*2
	if closed.RealizedPnl != 100 || closed.Partial {
		t.Fatalf("closed=%+v", closed)
	}
	m, _ := l.Snapshot("u1")
	if m.UsedMargin != 0 {
		t.Fatalf("平仓后保证金未释放: %+v", m)
	}
	// equity = 1000 + 100（盈亏进 realizedPnl，不改 balance）
	if m.Balance != 1000 || m.RealizedPnl != 100 || m.Equity != 1100 {
		t.Fatalf("账务错误: %+v", m)
	}
	if sink.count(events.TypePositionClosed) != 1 {
		t.Fatalf("缺 POSITION_CLOSED 事件")
	}
}

func TestClose_PartialThenFull(t *testing.T) {
	e, l, _, _ := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 1000)

	p, _ := e.Fill(marketOrder(4, 10, domain.SideBuy), 100)

	part, err := e.Close(p.ID, 1, 110, domain.CloseReasonManual)
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if !part.Partial || part.RealizedPnl != 10 || part.MarginRelease != 10 {
		t.Fatalf("partial=%+v", part)
	}

	rest, err := e.Close(p.ID, 0, 110, domain.CloseReasonManual)
	if err != nil {
		t.Fatalf("full close: %v", err)
	}
	if rest.Partial || rest.Quantity != 3 || rest.RealizedPnl != 30 {
		t.Fatalf("rest=%+v", rest)
	}
	m, _ := l.Snapshot("u1")
	if m.UsedMargin != 0 || m.RealizedPnl != 40 {
		t.Fatalf("账务错误: %+v", m)
	}
}

func TestClose_AlreadyClosedVsNotFound(t *testing.T) {
	e, l, _, _ := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 1000)

	p, _ := e.Fill(marketOrder(1, 10, domain.SideBuy), 100)
	if _, err := e.Close(p.ID, 0, 100, domain.CloseReasonManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	// 刚平掉的仓位：AlreadyClosed
	if _, err := e.Close(p.ID, 0, 100, domain.CloseReasonManual); err != domain.ErrAlreadyClosed {
		t.Fatalf("got=%v", err)
	}
	// 从未存在的仓位：PositionNotFound
	if _, err := e.Close("ghost", 0, 100, domain.CloseReasonManual); err != domain.ErrPositionNotFound {
		t.Fatalf("got=%v", err)
	}
}

func TestClose_ConcurrentExactlyOneWins(t *testing.T) {
	e, l, _, _ := newTestEngine(Config{MaxLeverage: 100}, &fixedRand{})
	l.CreateAccount("u1", 1000)
	p, _ := e.Fill(marketOrder(2, 10, domain.SideBuy), 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, already := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Close(p.ID, 0, 120, domain.CloseReasonManual)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				wins++
			case domain.ErrAlreadyClosed, domain.ErrPositionNotFound:
				already++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || already != 7 {
		t.Fatalf("wins=%d already=%d", wins, already)
	}
	m, _ := l.Snapshot("u1")
	// 只入账一次：pnl = (120-100)*2 = 40
	if m.RealizedPnl != 40 || m.UsedMargin != 0 {
		t.Fatalf("并发平仓重复入账: %+v", m)
	}
}

func TestFill_HaltedBreakerRejects(t *testing.T) {
	b := book.NewBook()
	l := ledger.NewLedger(b)
	l.CreateAccount("u1", 1000)
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{})
	breaker.Halt()
	e := NewEngine(Config{MaxLeverage: 100}, l, b, breaker, &fixedRand{}, &recordingSink{}, nopPersist{})

	order := marketOrder(1, 10, domain.SideBuy)
	if _, err := e.Fill(order, 100); err != domain.ErrTradingHalted {
		t.Fatalf("got=%v", err)
	}
	if order.Status != domain.OrderStatusRejected {
		t.Fatalf("熔断拒绝未落状态: %+v", order)
	}
}
