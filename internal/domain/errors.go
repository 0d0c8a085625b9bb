package domain

import "errors"

// 交易拒绝错误分类：全部同步返回给调用方，绝不静默丢弃。
// 订单被拒绝时会以 status=rejected + 原因码落档（见 Order.MarkRejected）。
var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrExceedsExposureLimit = errors.New("exceeds exposure limit")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrAlreadyClosed        = errors.New("position already closed")
	ErrSymbolUnavailable    = errors.New("symbol unavailable")
	ErrStalePrice           = errors.New("stale price")
	ErrAccountNotFound      = errors.New("account not found")
	ErrTradingHalted        = errors.New("trading halted")
)

// RejectReason 返回错误对应的拒绝原因码（用于落档与事件负载）
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return "INVALID_ORDER"
	case errors.Is(err, ErrInsufficientMargin):
		return "INSUFFICIENT_MARGIN"
	case errors.Is(err, ErrExceedsExposureLimit):
		return "EXCEEDS_EXPOSURE_LIMIT"
	case errors.Is(err, ErrOrderNotFound):
		return "ORDER_NOT_FOUND"
	case errors.Is(err, ErrPositionNotFound):
		return "POSITION_NOT_FOUND"
	case errors.Is(err, ErrAlreadyClosed):
		return "ALREADY_CLOSED"
	case errors.Is(err, ErrSymbolUnavailable):
		return "SYMBOL_UNAVAILABLE"
	case errors.Is(err, ErrStalePrice):
		return "STALE_PRICE"
	case errors.Is(err, ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrTradingHalted):
		return "TRADING_HALTED"
	default:
		return "INTERNAL"
	}
}
