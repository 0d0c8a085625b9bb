package domain

import "time"

// Tick 行情报价（来自 PriceFeedAdapter）
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TimeMs int64   `json:"timestampUnixMs"`
}

// Time 报价时间
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TimeMs)
}
