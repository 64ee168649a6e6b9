package db

import "time"

// Trade is one row of trade_history. A row is inserted when an entry
// fills and completed when the position closes.
type Trade struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"accountId"`
	Symbol        string     `json:"symbol"`
	PositionSide  string     `json:"positionSide"`
	RootID        string     `json:"rootId"`
	EntryClientID string     `json:"entryClientId"`
	EntryPrice    float64    `json:"entryPrice"`
	ExitPrice     float64    `json:"exitPrice"`
	Qty           float64    `json:"qty"`
	StopPrice     float64    `json:"stopPrice"`
	TargetPrice   float64    `json:"targetPrice"`
	RealizedPnL   float64    `json:"realizedPnl"`
	Commission    float64    `json:"commission"`
	Pattern       string     `json:"pattern,omitempty"`
	OpenedAt      time.Time  `json:"openedAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
	CloseReason   string     `json:"closeReason,omitempty"`
}

// EventRecord is one row of the events_log audit table.
type EventRecord struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"accountId"`
	Symbol    string    `json:"symbol,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
