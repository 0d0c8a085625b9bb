package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdesk/gocfd/internal/domain"
)

func TestQuoteBoard_PutAndLast(t *testing.T) {
	b := NewQuoteBoard()

	_, _, ok := b.LastQuote("EURUSD")
	assert.False(t, ok, "未知符号不应有报价")

	now := time.Now().UnixMilli()
	b.Put(domain.Tick{Symbol: "EURUSD", Price: 1.0842, TimeMs: now})
	price, at, ok := b.LastQuote("EURUSD")
	require.True(t, ok)
	assert.Equal(t, 1.0842, price)
	assert.Equal(t, now, at)

	// 覆盖写入
	b.Put(domain.Tick{Symbol: "EURUSD", Price: 1.0850, TimeMs: now + 1})
	price, _, _ = b.LastQuote("EURUSD")
	assert.Equal(t, 1.0850, price)
}

func TestQuoteBoard_Fresh(t *testing.T) {
	b := NewQuoteBoard()
	now := time.Now()

	b.Put(domain.Tick{Symbol: "BTCUSD", Price: 65000, TimeMs: now.UnixMilli()})
	assert.True(t, b.Fresh("BTCUSD", 5*time.Second, now))
	assert.False(t, b.Fresh("BTCUSD", 5*time.Second, now.Add(6*time.Second)))
	assert.False(t, b.Fresh("GHOST", 5*time.Second, now))
}

func TestQuoteBoard_ConcurrentReadsDontTear(t *testing.T) {
	b := NewQuoteBoard()
	b.Put(domain.Tick{Symbol: "X", Price: 1, TimeMs: 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); ; i++ {
			select {
			case <-stop:
				return
			default:
				b.Put(domain.Tick{Symbol: "X", Price: float64(i), TimeMs: i})
			}
		}
	}()

	for i := 0; i < 10000; i++ {
		price, _, ok := b.LastQuote("X")
		require.True(t, ok)
		require.Greater(t, price, 0.0)
	}
	close(stop)
	wg.Wait()
}
