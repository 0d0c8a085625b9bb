package domain

import (
	"encoding/json"
	"math"
	"time"
)

// AccountMetrics 账户指标快照
//
// Equity / AvailableFunds / MarginLevel / Exposure 全部由
// balance + usedMargin + 当前仓位在读取时派生，从不独立存储，避免漂移。
type AccountMetrics struct {
	UserID         string  `json:"userId"`
	Balance        float64 `json:"balance"`
	RealizedPnl    float64 `json:"realizedPnl"`
	UnrealizedPnl  float64 `json:"unrealizedPnl"`
	UsedMargin     float64 `json:"usedMargin"`
	Equity         float64 `json:"equity"`
	AvailableFunds float64 `json:"availableFunds"`
	// MarginLevel = equity / usedMargin * 100；usedMargin == 0 时为 +Inf，
	// JSON 输出为 null（见 MarshalJSON）
	MarginLevel float64   `json:"-"`
	Exposure    float64   `json:"exposure"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MarshalJSON 将 +Inf 的 marginLevel 序列化为 null（JSON 不支持 Inf）
func (m AccountMetrics) MarshalJSON() ([]byte, error) {
	type alias AccountMetrics
	var level *float64
	if !math.IsInf(m.MarginLevel, 0) {
		v := m.MarginLevel
		level = &v
	}
	return json.Marshal(struct {
		alias
		MarginLevel *float64 `json:"marginLevel"`
	}{alias(m), level})
}
