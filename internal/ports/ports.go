package ports

import (
	"github.com/dealdesk/gocfd/internal/domain"
	"github.com/dealdesk/gocfd/internal/events"
)

// Small capability interfaces shared across layers (engine/execution/infrastructure).
//
// NOTE: these are intentionally defined in a "neutral" package to avoid
// circular dependencies between the engine, execution and infrastructure layers.

// EventSink 按用户投递类型化事件。实现方（eventhub）投递失败只记日志，
// 绝不回滚已提交的引擎状态（at-least-once, fire-and-forget）。
type EventSink interface {
	Publish(userID string, eventType events.Type, payload interface{})
}

// Persister 异步落档接口。引擎内存状态是权威，存储只是持久镜像。
type Persister interface {
	SaveOrder(order *domain.Order)
	SavePosition(position *domain.Position)
	SaveClosedPosition(closed *domain.ClosedPosition)
	SaveAccount(metrics domain.AccountMetrics)
}

// QuoteSource 最新报价来源（含时间戳，用于陈旧度判断）。
type QuoteSource interface {
	LastQuote(symbol string) (price float64, at int64, ok bool)
}

// RandSource 可注入的随机源（滑点模型使用；测试注入固定序列保证可复现）。
type RandSource interface {
	Float64() float64
}

// TickHandler 行情回调
type TickHandler func(tick domain.Tick)
