package domain

import (
	"time"
)

// PositionSide 仓位方向
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// DirectionSign 多头 +1，空头 -1
func (s PositionSide) DirectionSign() float64 {
	if s == PositionLong {
		return 1
	}
	return -1
}

// PositionSideFromOrder 由订单方向推出开仓方向（买开多、卖开空）
func PositionSideFromOrder(side Side) PositionSide {
	if side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// CloseReason 平仓原因
type CloseReason string

const (
	CloseReasonManual       CloseReason = "manual"
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTakeProfit   CloseReason = "take_profit"
	CloseReasonTrailingStop CloseReason = "trailing_stop"
)

// Position 仓位领域模型
//
// 不变式：UnrealizedPnl == (CurrentPrice - EntryPrice) * Quantity * 方向符号。
// UnrealizedPnl 只由 RecomputePnL 派生，不允许独立赋值。
type Position struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Symbol         string       `json:"symbol"`
	Side           PositionSide `json:"side"`
	Quantity       float64      `json:"quantity"`
	EntryPrice     float64      `json:"entryPrice"`
	CurrentPrice   float64      `json:"currentPrice"`
	MarginRequired float64      `json:"marginRequired"`
	Leverage       float64      `json:"leverage"`
	UnrealizedPnl  float64      `json:"unrealizedPnl"`

	// 风险参数（可选，由 ModifyRisk 或风险子订单设置）
	StopLoss             *float64 `json:"stopLoss,omitempty"`
	TakeProfit           *float64 `json:"takeProfit,omitempty"`
	TrailingStopDistance *float64 `json:"trailingStopDistance,omitempty"`
	// TrailingStopLevel 跟踪止损触发位：随行情向有利方向棘轮推进，绝不放松
	TrailingStopLevel *float64 `json:"trailingStopLevel,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecomputePnL 按最新价格重算未实现盈亏（mark-to-market）
func (p *Position) RecomputePnL(price float64, at time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnl = (price - p.EntryPrice) * p.Quantity * p.Side.DirectionSign()
	p.UpdatedAt = at
}

// Notional 当前名义敞口（quantity * currentPrice）
func (p *Position) Notional() float64 {
	return p.Quantity * p.CurrentPrice
}

// AddFill 向已有仓位追加成交：数量累加，入场价按成交量加权重算
func (p *Position) AddFill(quantity, price, margin float64, at time.Time) {
	if quantity <= 0 {
		return
	}
	totalQty := p.Quantity + quantity
	p.EntryPrice = (p.EntryPrice*p.Quantity + price*quantity) / totalQty
	p.Quantity = totalQty
	p.MarginRequired += margin
	if p.MarginRequired > 0 {
		p.Leverage = p.EntryPrice * p.Quantity / p.MarginRequired
	}
	p.RecomputePnL(price, at)
}

// PnLAt 以指定成交价计算平掉 quantity 数量的已实现盈亏
func (p *Position) PnLAt(price, quantity float64) float64 {
	return (price - p.EntryPrice) * quantity * p.Side.DirectionSign()
}

// ClosedPosition 平仓记录
type ClosedPosition struct {
	PositionID    string       `json:"positionId"`
	UserID        string       `json:"userId"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Quantity      float64      `json:"quantity"`
	EntryPrice    float64      `json:"entryPrice"`
	ExitPrice     float64      `json:"exitPrice"`
	RealizedPnl   float64      `json:"realizedPnl"`
	MarginRelease float64      `json:"marginReleased"`
	Reason        CloseReason  `json:"reason"`
	Partial       bool         `json:"partial"`
	ClosedAt      time.Time    `json:"closedAt"`
}
