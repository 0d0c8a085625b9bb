package events

import (
	"time"

	"github.com/dealdesk/gocfd/internal/domain"
)

// Type 事件类型（下游 WebSocket/日志按类型路由）
type Type string

const (
	TypeOrderFilled          Type = "ORDER_FILLED"
	TypeOrderRejected        Type = "ORDER_REJECTED"
	TypePositionClosed       Type = "POSITION_CLOSED"
	TypeAccountMetricsUpdate Type = "ACCOUNT_METRICS_UPDATE"
)

// OrderFilledEvent 订单成交事件
type OrderFilledEvent struct {
	Order     *domain.Order    `json:"order"`
	Position  *domain.Position `json:"position,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// OrderRejectedEvent 订单拒绝事件
type OrderRejectedEvent struct {
	Order     *domain.Order `json:"order"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// PositionClosedEvent 仓位关闭事件
type PositionClosedEvent struct {
	Closed    *domain.ClosedPosition `json:"closed"`
	Timestamp time.Time              `json:"timestamp"`
}

// AccountMetricsEvent 账户指标更新事件
type AccountMetricsEvent struct {
	Metrics   domain.AccountMetrics `json:"metrics"`
	Timestamp time.Time             `json:"timestamp"`
}
