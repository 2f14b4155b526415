package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET WEBSOCKET - Live token prices for the execution slippage check
// ═══════════════════════════════════════════════════════════════════════════════
//
// Best-effort: the executor falls back to a REST book read when the feed has
// no fresh price for a token.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	wsReconnectDelay = 5 * time.Second
	wsPingInterval   = 30 * time.Second
	wsPriceStale     = 30 * time.Second
)

type wsPrice struct {
	price decimal.Decimal
	at    time.Time
}

// MarketFeed maintains a price cache fed by the CLOB market channel.
type MarketFeed struct {
	mu sync.RWMutex

	wsURL   string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	tokens []string // subscribed token ids
	prices map[string]wsPrice
}

func NewMarketFeed(wsURL string) *MarketFeed {
	return &MarketFeed{
		wsURL:  wsURL,
		stopCh: make(chan struct{}),
		prices: make(map[string]wsPrice),
	}
}

// Start connects and begins processing until Stop.
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("📡 Market feed started")
}

func (f *MarketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Market feed stopped")
}

// Watch subscribes to price updates for tokenID.
func (f *MarketFeed) Watch(tokenID string) {
	f.mu.Lock()
	for _, t := range f.tokens {
		if t == tokenID {
			f.mu.Unlock()
			return
		}
	}
	f.tokens = append(f.tokens, tokenID)
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		f.subscribe(conn, []string{tokenID})
	}
}

// GetPrice returns a fresh cached price for tokenID, or false when the feed
// has nothing recent enough to trust.
func (f *MarketFeed) GetPrice(tokenID string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[tokenID]
	if !ok || time.Since(p.at) > wsPriceStale {
		return decimal.Zero, false
	}
	return p.price, true
}

func (f *MarketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Warn().Err(err).Msg("Market feed connect failed, retrying...")
			time.Sleep(wsReconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(wsReconnectDelay)
	}
}

func (f *MarketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	tokens := append([]string(nil), f.tokens...)
	f.mu.Unlock()

	log.Info().Msg("🔌 Market WebSocket connected")

	if len(tokens) > 0 {
		f.subscribe(conn, tokens)
	}

	go f.pingLoop(conn)
	return nil
}

func (f *MarketFeed) subscribe(conn *websocket.Conn, tokens []string) {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": tokens,
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Msg("Market feed subscribe failed")
	}
}

func (f *MarketFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type wsMessage struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Price     string     `json:"price"`
	Bids      []rawLevel `json:"bids"`
	Asks      []rawLevel `json:"asks"`
}

func (f *MarketFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Market feed read error")
			return
		}
		f.processMessage(message)
	}
}

func (f *MarketFeed) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "last_trade_price", "price_change":
			if price, err := decimal.NewFromString(msg.Price); err == nil && price.IsPositive() {
				f.setPrice(msg.AssetID, price)
			}
		case "book":
			// Mid of top of book.
			if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
				continue
			}
			bid, ok1 := parseLevel(msg.Bids[0])
			ask, ok2 := parseLevel(msg.Asks[0])
			if ok1 && ok2 {
				mid := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
				f.setPrice(msg.AssetID, mid)
			}
		}
	}
}

func (f *MarketFeed) setPrice(tokenID string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[tokenID] = wsPrice{price: price, at: time.Now()}
	f.mu.Unlock()
}
