package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	markStreamReadTimeout  = 90 * time.Second
	markStreamPingInterval = 30 * time.Second
	markStreamReconnectMin = time.Second
	markStreamReconnectMax = 30 * time.Second
)

// MarkTick is one mark price update from the combined stream.
type MarkTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// MarkStream consumes the combined <symbol>@markPrice@1s streams and feeds
// ticks to a single handler. It reconnects forever until the context ends.
type MarkStream struct {
	wsBaseURL string
	symbols   []string
	handler   func(MarkTick)
}

// NewMarkStream builds a stream for the given symbols. Ticks are delivered
// on the stream's own goroutine; the handler must not block.
func NewMarkStream(wsBaseURL string, symbols []string, handler func(MarkTick)) *MarkStream {
	return &MarkStream{wsBaseURL: wsBaseURL, symbols: symbols, handler: handler}
}

func (s *MarkStream) url() string {
	parts := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@markPrice@1s")
	}
	return s.wsBaseURL + "/stream?streams=" + strings.Join(parts, "/")
}

// Run connects and consumes ticks until ctx is cancelled. Dropped
// connections back off exponentially before redialing.
func (s *MarkStream) Run(ctx context.Context) {
	backoff := markStreamReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[markstream] connection lost: %v, reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > markStreamReconnectMax {
			backoff = markStreamReconnectMax
		}
	}
}

func (s *MarkStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	log.Printf("[markstream] connected (%d symbols)", len(s.symbols))

	conn.SetReadDeadline(time.Now().Add(markStreamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(markStreamReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(markStreamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(markStreamReadTimeout))

		var frame struct {
			Data struct {
				EventType string `json:"e"`
				EventTime int64  `json:"E"`
				Symbol    string `json:"s"`
				MarkPrice string `json:"p"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Printf("[markstream] bad frame: %v", err)
			continue
		}
		if frame.Data.EventType != "markPriceUpdate" {
			continue
		}
		price := toFloat(frame.Data.MarkPrice)
		if price <= 0 {
			continue
		}
		s.handler(MarkTick{
			Symbol: frame.Data.Symbol,
			Price:  price,
			Time:   time.UnixMilli(frame.Data.EventTime),
		})
	}
}
