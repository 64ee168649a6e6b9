package order

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"futures-core/internal/events"
)

const (
	userStreamReadTimeout = 90 * time.Second
	listenKeyKeepAlive    = 30 * time.Minute
	userStreamBackoffMax  = 30 * time.Second
)

// StreamClient is the slice of the futures client the user stream needs.
type StreamClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
	WSBaseURL() string
}

// UserStream consumes one account's user data stream and delivers decoded
// order updates. Duplicate events (same identifier as the last seen one)
// are dropped before dispatch.
type UserStream struct {
	accountID string
	client    StreamClient
	handler   func(events.OrderUpdate)

	lastEventID string
}

// NewUserStream builds the stream for one account. The handler runs on
// the stream goroutine; hand off to the account worker, do not block.
func NewUserStream(accountID string, client StreamClient, handler func(events.OrderUpdate)) *UserStream {
	return &UserStream{accountID: accountID, client: client, handler: handler}
}

// Run connects and consumes until ctx is cancelled, redialing with
// backoff on every drop. A fresh listen key is created per connection.
func (s *UserStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[userstream] %s: connection lost: %v, reconnecting in %v", s.accountID, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > userStreamBackoffMax {
			backoff = userStreamBackoffMax
		}
	}
}

func (s *UserStream) consume(ctx context.Context) error {
	key, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.WSBaseURL()+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	log.Printf("[userstream] %s: connected", s.accountID)

	conn.SetReadDeadline(time.Now().Add(userStreamReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(userStreamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(ctx); err != nil {
					log.Printf("[userstream] %s: keepalive: %v", s.accountID, err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(userStreamReadTimeout))
		s.handleFrame(msg)
	}
}

type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigType      string `json:"ot"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		OrigQty       string `json:"q"`
		LastQty       string `json:"l"`
		FilledQty     string `json:"z"`
		AvgPrice      string `json:"ap"`
		PositionSide  string `json:"ps"`
		RealizedPnL   string `json:"rp"`
		Commission    string `json:"n"`
	} `json:"o"`
}

func (s *UserStream) handleFrame(msg []byte) {
	var frame orderTradeUpdate
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Printf("[userstream] %s: bad frame: %v", s.accountID, err)
		return
	}
	if frame.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	eventID := fmt.Sprintf("%d/%d/%s", frame.EventTime, frame.Order.OrderID, frame.Order.ExecutionType)
	if eventID == s.lastEventID {
		log.Printf("[userstream] %s: duplicate event %s dropped", s.accountID, eventID)
		return
	}
	s.lastEventID = eventID

	s.handler(decodeOrderUpdate(s.accountID, frame))
}

func decodeOrderUpdate(accountID string, frame orderTradeUpdate) events.OrderUpdate {
	o := frame.Order
	return events.OrderUpdate{
		AccountID:     accountID,
		EventTime:     frame.EventTime,
		Symbol:        o.Symbol,
		Side:          o.Side,
		PositionSide:  o.PositionSide,
		ClientID:      o.ClientOrderID,
		OrderID:       o.OrderID,
		OrderType:     o.OrderType,
		StrategyType:  o.OrigType,
		Status:        o.Status,
		ExecutionType: o.ExecutionType,
		OrigQty:       parseQty(o.OrigQty),
		FilledQty:     parseQty(o.FilledQty),
		LastQty:       parseQty(o.LastQty),
		AvgPrice:      parseQty(o.AvgPrice),
		RealizedPnL:   parseQty(o.RealizedPnL),
		Commission:    parseQty(o.Commission),
	}
}
