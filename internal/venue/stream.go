package venue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Trade is one market-data print: (timestamp, price, size), per spec.md §6.
type Trade struct {
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// FillEvent is one account fill print: (order_id, price, size, timestamp).
type FillEvent struct {
	OrderID   string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

type wireMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireTrade struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Time  int64  `json:"ts"`
}

type wireFill struct {
	OrderID string `json:"orderId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    int64  `json:"ts"`
}

// Stream manages the WebSocket connection for one symbol, reconnecting on
// drop below the engine. It sends a subscribe request for the trades
// channel only; messages arriving on the fills channel of the same
// connection are dispatched as fills, but no fills subscribe is sent.
type Stream struct {
	mu sync.RWMutex

	url     string
	symbol  string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	trades chan Trade
	fills  chan FillEvent

	log zerolog.Logger
}

// NewStream builds a Stream for symbol against url. Trades/Fills return the
// channels the engine loop should select on.
func NewStream(url, symbol string, log zerolog.Logger) *Stream {
	return &Stream{
		url:    url,
		symbol: symbol,
		stopCh: make(chan struct{}),
		trades: make(chan Trade, 1000),
		fills:  make(chan FillEvent, 1000),
		log:    log.With().Str("component", "venue_stream").Str("symbol", symbol).Logger(),
	}
}

// Trades returns the channel of incoming market-data prints.
func (s *Stream) Trades() <-chan Trade { return s.trades }

// Fills returns the channel of incoming account fill prints.
func (s *Stream) Fills() <-chan FillEvent { return s.fills }

// Start begins the connection loop in the background.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectionLoop()
}

// Stop tears down the connection and stops reconnecting.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Stream) connectionLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			s.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("venue stream disconnected, reconnecting")
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	sub, _ := json.Marshal(map[string]any{
		"op":      "subscribe",
		"channel": "trades",
		"symbol":  s.symbol,
	})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(raw)
	}
}

func (s *Stream) dispatch(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed venue message")
		return
	}

	switch msg.Channel {
	case "trades":
		var wt wireTrade
		if err := json.Unmarshal(msg.Data, &wt); err != nil {
			return
		}
		price, err := decimal.NewFromString(wt.Price)
		if err != nil {
			return
		}
		size, _ := decimal.NewFromString(wt.Size)
		t := Trade{Price: price, Size: size, Timestamp: time.UnixMilli(wt.Time)}
		select {
		case s.trades <- t:
		default:
			s.drainStaleTrade(t)
		}
	case "fills":
		var wf wireFill
		if err := json.Unmarshal(msg.Data, &wf); err != nil {
			return
		}
		price, err := decimal.NewFromString(wf.Price)
		if err != nil {
			return
		}
		size, _ := decimal.NewFromString(wf.Size)
		f := FillEvent{OrderID: wf.OrderID, Price: price, Size: size, Timestamp: time.UnixMilli(wf.Time)}
		s.fills <- f // fills are never dropped, per spec.md §9
	}
}

// drainStaleTrade implements the back-pressure policy of spec.md §9: when
// the bounded trade queue is saturated, the oldest price tick is dropped in
// favour of the newest. Fills never go through this path.
func (s *Stream) drainStaleTrade(newest Trade) {
	select {
	case <-s.trades:
	default:
	}
	select {
	case s.trades <- newest:
	default:
	}
}
