package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide denotes the hedge-mode position bucket.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType denotes futures order types used by the engine.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsConditional reports whether the type is a stop/target style order.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// IsLive reports whether an order with this status still rests on the book.
func (s OrderStatus) IsLive() bool {
	return s == StatusNew || s == StatusPartial
}

// IsDead reports whether an order with this status is finished without
// (fully) executing.
func (s OrderStatus) IsDead() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// OrderRequest captures an order intent to be sent to the exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT
	StopPrice    float64 // required for conditional orders
	TimeInForce  TimeInForce
	ClientID     string // client order id carrying the engine's tag
	ReduceOnly   bool
	WorkingType  string // MARK_PRICE or CONTRACT_PRICE
	PriceProtect bool
}
