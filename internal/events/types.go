package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventMarkPrice      Event = "mark_price"
	EventOrderUpdate    Event = "order_update"
	EventEntryPlaced    Event = "entry.placed"
	EventEntryRejected  Event = "entry.rejected"
	EventTrailAdvanced  Event = "trail.advanced"
	EventLadderClosed   Event = "ladder.closed"
	EventCleanupRan     Event = "cleanup.ran"
	EventStatusSnapshot Event = "status.snapshot"
)

// MarkPrice is the payload for EventMarkPrice.
type MarkPrice struct {
	Symbol string
	Price  float64
	Time   int64 // exchange event time, ms
}

// EntryRejected is the payload for EventEntryRejected.
type EntryRejected struct {
	AccountID string
	Symbol    string
	Side      string
	Reason    string
}

// OrderUpdate is the payload for EventOrderUpdate, decoded from the
// user data stream ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	AccountID     string
	EventTime     int64
	Symbol        string
	Side          string
	PositionSide  string
	ClientID      string
	OrderID       int64
	OrderType     string
	StrategyType  string // conditional order type as reported on fills
	Status        string
	ExecutionType string
	OrigQty       float64
	FilledQty     float64
	LastQty       float64
	AvgPrice      float64
	RealizedPnL   float64
	Commission    float64
}

// IsConditional reports whether the update concerns a stop/target style
// order. The stream reports the original type in `ot` even after a
// triggered conditional executes as MARKET, so both fields are checked
// against the conditional types only.
func (u OrderUpdate) IsConditional() bool {
	return isConditionalType(u.OrderType) || isConditionalType(u.StrategyType)
}

func isConditionalType(orderType string) bool {
	switch orderType {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET", "TRAILING_STOP_MARKET":
		return true
	}
	return false
}
