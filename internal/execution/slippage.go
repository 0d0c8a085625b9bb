package execution

import (
	"github.com/dealdesk/gocfd/internal/ports"
)

// SlippageModel 有界对称滑点模型：
// executionPrice = referencePrice + referencePrice * slip，slip 均匀取自 ±MaxBps/10000。
// 随机源通过 ports.RandSource 注入，测试注入固定序列保证执行价可复现。
type SlippageModel struct {
	MaxBps float64
	rng    ports.RandSource
}

// NewSlippageModel 创建滑点模型
func NewSlippageModel(maxBps float64, rng ports.RandSource) *SlippageModel {
	return &SlippageModel{MaxBps: maxBps, rng: rng}
}

// Apply 对参考价施加滑点
func (m *SlippageModel) Apply(referencePrice float64) float64 {
	if m == nil || m.MaxBps <= 0 || m.rng == nil {
		return referencePrice
	}
	// rng.Float64() ∈ [0,1) -> slip ∈ [-MaxBps, +MaxBps) （基点）
	slip := (2*m.rng.Float64() - 1) * m.MaxBps / 10000.0
	price := referencePrice * (1 + slip)
	if price <= 0 {
		return referencePrice
	}
	return price
}
