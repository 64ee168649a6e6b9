package futures

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// APIError is a structured Binance error payload ({"code":..,"msg":..}).
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance futures: code=%d msg=%s", e.Code, e.Message)
}

// IsAPIError reports whether err is a Binance error with the given code.
func IsAPIError(err error, code int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

// Binance error codes the engine cares about.
const (
	CodeOrderNotExist            = -2013
	codeNoNeedChangeMarginType   = -4046
	codeNoNeedChangePositionSide = -4059
	codeUnknownOrder             = -2011
)

// SymbolFilters carries the trading rules the engine needs per symbol.
type SymbolFilters struct {
	Symbol            string
	Status            string
	PricePrecision    int
	QuantityPrecision int
	TickSize          float64
	StepSize          float64
	MinNotional       float64
}

// Tradable reports whether the contract currently accepts orders.
func (f SymbolFilters) Tradable() bool {
	return f.Status == "TRADING"
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		Status            string `json:"status"`
		PricePrecision    int    `json:"pricePrecision"`
		QuantityPrecision int    `json:"quantityPrecision"`
		Filters           []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// Order is the exchange view of an order (REST responses).
type Order struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// Qty returns the original quantity as a float.
func (o Order) Qty() float64 { return toFloat(o.OrigQty) }

// FilledQty returns the executed quantity as a float.
func (o Order) FilledQty() float64 { return toFloat(o.ExecutedQty) }

// Stop returns the trigger price as a float.
func (o Order) Stop() float64 { return toFloat(o.StopPrice) }

// Avg returns the average fill price as a float.
func (o Order) Avg() float64 { return toFloat(o.AvgPrice) }

// IsConditional reports whether the order is a stop/target style order.
func (o Order) IsConditional() bool {
	t := o.OrigType
	if t == "" {
		t = o.Type
	}
	switch t {
	case "STOP", "STOP_MARKET", "TAKE_PROFIT", "TAKE_PROFIT_MARKET":
		return true
	}
	return false
}

// PositionRisk is one row of the position risk endpoint.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	IsolatedWallet   string `json:"isolatedWallet"`
	MarginType       string `json:"marginType"`
}

// Amt returns the signed position amount as a float.
func (p PositionRisk) Amt() float64 { return toFloat(p.PositionAmt) }

// Entry returns the entry price as a float.
func (p PositionRisk) Entry() float64 { return toFloat(p.EntryPrice) }

// Balance is one row of the futures balance endpoint.
type Balance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// Kline is a single candlestick. The REST endpoint returns arrays, decoded
// positionally.
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// UnmarshalJSON decodes the Binance kline array layout.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return fmt.Errorf("kline: short row (%d fields)", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return err
	}
	for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		var s string
		if err := json.Unmarshal(raw[i+1], &s); err != nil {
			return err
		}
		*dst = toFloat(s)
	}
	return nil
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
