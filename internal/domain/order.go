package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the closing side for this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the pricing mode of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the lifetime policy of a limit order.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
)

// OrderStatus tracks the order lifecycle as reported by an exchange.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Final reports whether the exchange will not change this status again.
func (s OrderStatus) Final() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is a venue-neutral order submission.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    float64
	Price       *float64 // required for limit orders
	TimeInForce TimeInForce
	ClientID    string // caller-supplied id for duplicate detection
}

// OrderResult is the exchange's view of an order after submission or a
// status poll.
type OrderResult struct {
	OrderID        string
	ClientID       string
	Symbol         string
	Side           OrderSide
	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	Fee            float64
	FeeAsset       string
	Message        string // venue rejection detail, empty otherwise
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// Filled reports whether the order is completely filled.
func (r OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled
}

// AssetBalance is one asset's balance on one exchange account.
type AssetBalance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total returns free plus locked.
func (b AssetBalance) Total() float64 {
	return b.Free + b.Locked
}
