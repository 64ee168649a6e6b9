package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"futures-core/pkg/exchanges/common"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	mainnetWSBaseURL = "wss://fstream.binance.com"
	testnetWSBaseURL = "wss://stream.binancefuture.com"

	defaultRecvWindow = 5000
)

// Config holds the credentials and environment selection for one client.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64
}

// Client is a signed REST client for USDT-M futures. One instance per
// account; the symbol filter cache is shared across calls.
type Client struct {
	cfg        Config
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	timeSync   *common.TimeSync
	rateLimit  *common.RateLimiter

	mu      sync.RWMutex
	filters map[string]SymbolFilters
}

// NewClient builds a client against mainnet or testnet per cfg.Testnet.
// The client carries its own clock sync; call StartTimeSync once the
// process context exists.
func NewClient(cfg Config) *Client {
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	base := mainnetBaseURL
	wsBase := mainnetWSBaseURL
	if cfg.Testnet {
		base = testnetBaseURL
		wsBase = testnetWSBaseURL
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		wsBaseURL:  wsBase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		rateLimit:  common.NewRateLimiter(2400, time.Minute),
		filters:    make(map[string]SymbolFilters),
	}
	c.timeSync = common.NewTimeSync(func() (int64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.GetServerTime(ctx)
	})
	return c
}

// StartTimeSync begins the periodic clock synchronization.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// WSBaseURL returns the websocket base for the configured environment.
func (c *Client) WSBaseURL() string { return c.wsBaseURL }

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// do performs an unsigned (public) request.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	return c.execute(req, out)
}

// doSigned performs a signed request. Timestamp uses the synced clock so a
// drifted host does not trip recvWindow.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	query := params.Encode()
	query += "&signature=" + c.sign(query)

	endpoint := c.baseURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.execute(req, out)
}

func (c *Client) execute(req *http.Request, out any) error {
	if delay := c.rateLimit.Delay(); delay > 0 {
		log.Printf("[binance] rate limit pressure, pausing %v", delay)
		time.Sleep(delay)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance futures: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.rateLimit.UpdateFromHeader(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance futures: read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return &apiErr
		}
		return fmt.Errorf("binance futures: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance futures: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// GetServerTime returns the exchange clock in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// LoadExchangeInfo fetches trading rules for the given symbols and caches
// their filters. Symbols absent from the response are an error.
func (c *Client) LoadExchangeInfo(ctx context.Context, symbols []string) error {
	var resp exchangeInfoResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, &resp); err != nil {
		return err
	}
	parsed := make(map[string]SymbolFilters, len(resp.Symbols))
	for _, s := range resp.Symbols {
		f := SymbolFilters{
			Symbol:            s.Symbol,
			Status:            s.Status,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = toFloat(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = toFloat(flt.StepSize)
			case "MIN_NOTIONAL":
				if flt.Notional != "" {
					f.MinNotional = toFloat(flt.Notional)
				} else {
					f.MinNotional = toFloat(flt.MinNotional)
				}
			}
		}
		parsed[s.Symbol] = f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range symbols {
		f, ok := parsed[strings.ToUpper(sym)]
		if !ok {
			return fmt.Errorf("binance futures: symbol %s not in exchange info", sym)
		}
		c.filters[f.Symbol] = f
	}
	return nil
}

// SymbolFilters returns the cached trading rules for symbol.
func (c *Client) SymbolFilters(symbol string) (SymbolFilters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.filters[strings.ToUpper(symbol)]
	if !ok {
		return SymbolFilters{}, fmt.Errorf("binance futures: no filters cached for %s", symbol)
	}
	return f, nil
}

// GetMarkPrice returns the current mark price for symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return 0, err
	}
	price := toFloat(resp.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("binance futures: invalid mark price %q for %s", resp.MarkPrice, symbol)
	}
	return price, nil
}

// GetAvailableBalance returns the free USDT margin balance.
func (c *Client) GetAvailableBalance(ctx context.Context) (float64, error) {
	var rows []Balance
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil, &rows); err != nil {
		return 0, err
	}
	for _, b := range rows {
		if b.Asset == "USDT" {
			return toFloat(b.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("binance futures: no USDT balance row")
}

// GetPositions returns position risk rows. With symbol empty all symbols
// are returned.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	var rows []PositionRisk
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetOpenOrders returns all live orders, optionally scoped to one symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	var rows []Order
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SubmitOrder places one order and returns the exchange acknowledgement.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.Qty > 0 {
		params.Set("quantity", formatFloat(req.Qty))
	}
	if req.Price > 0 {
		params.Set("price", formatFloat(req.Price))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.WorkingType != "" {
		params.Set("workingType", req.WorkingType)
	}
	if req.PriceProtect {
		params.Set("priceProtect", "TRUE")
	}
	var out Order
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrderByClientID cancels one order by its client order id. A
// "unknown order" response means it is already gone and is not an error.
func (c *Client) CancelOrderByClientID(ctx context.Context, symbol, clientID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("origClientOrderId", clientID)
	err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
	if IsAPIError(err, codeUnknownOrder) {
		return nil
	}
	return err
}

// GetOrderByClientID fetches the current state of one order.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("origClientOrderId", clientID)
	var out Order
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetLeverage sets and verifies leverage for symbol. The exchange silently
// clamps out-of-range values, so the acknowledged leverage must match.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	var resp struct {
		Leverage int `json:"leverage"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params, &resp); err != nil {
		return err
	}
	if resp.Leverage != leverage {
		return fmt.Errorf("binance futures: leverage for %s set to %d, wanted %d", symbol, resp.Leverage, leverage)
	}
	return nil
}

// SetMarginType sets ISOLATED or CROSSED for symbol. "No need to change"
// is treated as success.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("marginType", strings.ToUpper(marginType))
	err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params, nil)
	if IsAPIError(err, codeNoNeedChangeMarginType) {
		return nil
	}
	return err
}

// SetPositionMode enables or disables hedge mode account-wide. "No need to
// change" is treated as success.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(hedge))
	err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, nil)
	if IsAPIError(err, codeNoNeedChangePositionSide) {
		return nil
	}
	return err
}

// AddPositionMargin adds isolated margin to a position (type 1 = add).
func (c *Client) AddPositionMargin(ctx context.Context, symbol string, positionSide common.PositionSide, amount float64) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("positionSide", string(positionSide))
	params.Set("amount", formatFloat(amount))
	params.Set("type", "1")
	return c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionMargin", params, nil)
}

// GetKlines returns up to limit closed candles for symbol at interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	var rows []Kline
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.execute(req, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("binance futures: empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user data stream validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.execute(req, nil)
}
