package feed

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
)

// atomicQuote 单个符号的无锁最新报价。
//
// 高频写入（行情接入）与高频读取（执行/风控/API）解耦：
// 价格和时间戳各自 atomic 存储，读侧拿到的价格最坏落后一次写入，
// 陈旧度判断只依赖 atMs，不会因撕裂误判。
type atomicQuote struct {
	priceBits atomic.Uint64 // math.Float64bits
	atMs      atomic.Int64
}

func (q *atomicQuote) store(price float64, atMs int64) {
	q.priceBits.Store(math.Float64bits(price))
	q.atMs.Store(atMs)
}

func (q *atomicQuote) load() (float64, int64) {
	return math.Float64frombits(q.priceBits.Load()), q.atMs.Load()
}

// QuoteBoard 全符号最新报价板，实现 ports.QuoteSource。
// 符号集合基本静态（配置决定），map 写入只发生在首次见到符号时。
type QuoteBoard struct {
	mu     sync.RWMutex
	quotes map[string]*atomicQuote
}

// NewQuoteBoard 创建报价板
func NewQuoteBoard() *QuoteBoard {
	return &QuoteBoard{quotes: make(map[string]*atomicQuote)}
}

// Put 写入一条 tick 的最新价
func (b *QuoteBoard) Put(tick domain.Tick) {
	b.mu.RLock()
	q, ok := b.quotes[tick.Symbol]
	b.mu.RUnlock()
	if !ok {
		b.mu.Lock()
		q, ok = b.quotes[tick.Symbol]
		if !ok {
			q = &atomicQuote{}
			b.quotes[tick.Symbol] = q
		}
		b.mu.Unlock()
	}
	q.store(tick.Price, tick.TimeMs)
}

// LastQuote 返回符号的最新价与时间戳（毫秒）。从未见过该符号时 ok=false。
func (b *QuoteBoard) LastQuote(symbol string) (price float64, at int64, ok bool) {
	b.mu.RLock()
	q, found := b.quotes[symbol]
	b.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	price, at = q.load()
	if at == 0 {
		return 0, 0, false
	}
	return price, at, true
}

// Fresh 判断符号报价在 maxAge 内是否有更新
func (b *QuoteBoard) Fresh(symbol string, maxAge time.Duration, now time.Time) bool {
	_, at, ok := b.LastQuote(symbol)
	if !ok {
		return false
	}
	return now.UnixMilli()-at <= maxAge.Milliseconds()
}

// Symbols 返回当前已有报价的符号列表
func (b *QuoteBoard) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.quotes))
	for s := range b.quotes {
		out = append(out, s)
	}
	return out
}
