package domain

import (
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderCategory 订单在订单组中的角色
// primary 为主订单；其余三种是挂在主订单（或仓位）上的风险子订单
type OrderCategory string

const (
	CategoryPrimary      OrderCategory = "primary"
	CategoryStopLoss     OrderCategory = "stop_loss"
	CategoryTakeProfit   OrderCategory = "take_profit"
	CategoryTrailingStop OrderCategory = "trailing_stop"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// AssetClass 资产类别
type AssetClass string

const (
	AssetClassForex  AssetClass = "forex"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassIndex  AssetClass = "index"
	AssetClassStock  AssetClass = "stock"
)

// Order 订单领域模型
//
// 约定：订单类型决定必填价格字段——
//   - limit:         LimitPrice
//   - stop:          StopPrice
//   - stop_limit:    StopPrice + LimitPrice（先触发 stop 腿，之后按 limit 语义执行）
//   - trailing_stop: TrailingDistance（StopPrice 为随行情棘轮推进的触发位，只收紧不放松）
//   - market:        不需要价格字段
type Order struct {
	ID               string        `json:"id"`
	UserID           string        `json:"userId"`
	Symbol           string        `json:"symbol"`
	AssetClass       AssetClass    `json:"assetClass"`
	Side             Side          `json:"side"`
	Type             OrderType     `json:"orderType"`
	Category         OrderCategory `json:"category"`
	Quantity         float64       `json:"quantity"`
	Leverage         float64       `json:"leverage"`
	LimitPrice       *float64      `json:"limitPrice,omitempty"`
	StopPrice        *float64      `json:"stopPrice,omitempty"`
	TrailingDistance *float64      `json:"trailingDistance,omitempty"`
	Status           OrderStatus   `json:"status"`
	RejectReason     string        `json:"rejectReason,omitempty"` // 拒绝原因码（status=rejected 时有值）
	GroupID          string        `json:"groupId"`
	ParentOrderID    *string       `json:"parentOrderId,omitempty"`
	// PositionID 风险子订单绑定的仓位 ID（子订单激活后设置）
	PositionID string     `json:"positionId,omitempty"`
	FillPrice  *float64   `json:"fillPrice,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FilledAt   *time.Time `json:"filledAt,omitempty"`
}

// IsTerminal 检查订单是否处于终态（终态不可再变更）
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled ||
		o.Status == OrderStatusCancelled ||
		o.Status == OrderStatusRejected
}

// Validate 校验订单字段组合是否合法。
// 每种类型只接受自己的价格字段，多余的价格字段一律拒绝
// （stop_limit 是文档化的双字段例外）。
func (o *Order) Validate() error {
	if o.Quantity <= 0 {
		return ErrInvalidOrder
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return ErrInvalidOrder
	}

	required := func(v *float64) bool { return v != nil && *v > 0 }

	switch o.Type {
	case OrderTypeMarket:
		// 市价单直接按参考价执行，不携带价格字段
		if o.LimitPrice != nil || o.StopPrice != nil || o.TrailingDistance != nil {
			return ErrInvalidOrder
		}
	case OrderTypeLimit:
		if !required(o.LimitPrice) || o.StopPrice != nil || o.TrailingDistance != nil {
			return ErrInvalidOrder
		}
	case OrderTypeStop:
		if !required(o.StopPrice) || o.LimitPrice != nil || o.TrailingDistance != nil {
			return ErrInvalidOrder
		}
	case OrderTypeStopLimit:
		if !required(o.StopPrice) || !required(o.LimitPrice) || o.TrailingDistance != nil {
			return ErrInvalidOrder
		}
	case OrderTypeTrailingStop:
		if !required(o.TrailingDistance) || o.LimitPrice != nil {
			return ErrInvalidOrder
		}
		// StopPrice 是触发位，由棘轮推进系统字段，下单时不接受
		if o.StopPrice != nil {
			return ErrInvalidOrder
		}
	default:
		return ErrInvalidOrder
	}
	// 非主订单必须挂在主订单上
	if o.Category != CategoryPrimary && o.ParentOrderID == nil {
		return ErrInvalidOrder
	}
	return nil
}

// MarkFilled 将订单置为已成交（幂等：已终态时不再变更）
func (o *Order) MarkFilled(price float64, at time.Time) {
	if o.IsTerminal() {
		return
	}
	o.Status = OrderStatusFilled
	o.FillPrice = &price
	o.FilledAt = &at
}

// MarkRejected 将订单置为已拒绝并记录原因码
func (o *Order) MarkRejected(reason string) {
	if o.IsTerminal() {
		return
	}
	o.Status = OrderStatusRejected
	o.RejectReason = reason
}
