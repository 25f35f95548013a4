package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"CandleFlow/internal/domain/models"
	drepo "CandleFlow/internal/domain/repository"
	"CandleFlow/pkg/logger"
)

var (
	_ drepo.EventSource = (*Client)(nil)
	_ drepo.Runner      = (*Client)(nil)
)

// Client is a trade-only EventSource backed by the Finnhub WebSocket.
// Finnhub publishes no candles, so candle subscriptions are accepted and
// never fire.
type Client struct {
	id             models.SourceID
	apiKey         string
	websocketURL   string
	symbols        map[string]models.Instrument
	timeframes     []models.Timeframe
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *logger.Logger

	mu       sync.RWMutex
	handlers map[models.Instrument]drepo.TradeStream
	writeMu  sync.Mutex

	connected atomic.Bool
}

type Option func(*Client)

func WithSourceID(id models.SourceID) Option {
	return func(c *Client) {
		if id != "" {
			c.id = id
		}
	}
}

func WithTimeframes(tfs []models.Timeframe) Option {
	return func(c *Client) {
		if len(tfs) > 0 {
			c.timeframes = tfs
		}
	}
}

func WithReconnect(delay, ping time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
		if ping > 0 {
			c.pingInterval = ping
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Finnhub source. symbols maps Finnhub symbols
// (e.g. "BINANCE:BTCUSDT") to instruments.
func New(apiKey, websocketURL string, symbols map[string]models.Instrument, opts ...Option) *Client {
	c := &Client{
		id:             "finnhub",
		apiKey:         apiKey,
		websocketURL:   websocketURL,
		symbols:        symbols,
		timeframes:     models.AllTimeframes(),
		reconnectDelay: 5 * time.Second,
		pingInterval:   30 * time.Second,
		log:            logger.Nop(),
		handlers:       make(map[models.Instrument]drepo.TradeStream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ID() models.SourceID { return c.id }

func (c *Client) Instruments() []models.Instrument {
	seen := make(map[models.Instrument]bool, len(c.symbols))
	out := make([]models.Instrument, 0, len(c.symbols))
	for _, inst := range c.symbols {
		if !seen[inst] {
			seen[inst] = true
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) Timeframes() []models.Timeframe { return c.timeframes }

// Subscribe registers the trade handler of one instrument.
func (c *Client) Subscribe(_ context.Context, channel models.Channel, inst models.Instrument, h drepo.StreamHandler) error {
	if !c.supports(inst) {
		return fmt.Errorf("finnhub: instrument %s not configured", inst)
	}
	switch channel {
	case models.ChannelCandle:
		return nil
	case models.ChannelTrade:
		ts, ok := h.(drepo.TradeStream)
		if !ok || ts.OnBatch == nil {
			return fmt.Errorf("finnhub: trade channel needs a TradeStream, got %T", h)
		}
		c.mu.Lock()
		c.handlers[inst] = ts
		c.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("finnhub: unknown channel %q", channel)
	}
}

// Run connects, subscribes and reads until ctx is done, reconnecting
// after every failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("finnhub session ended, reconnecting",
			logger.Error(err), logger.Duration("delay_ms", c.reconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool { return c.connected.Load() }

func (c *Client) session(ctx context.Context) error {
	u := fmt.Sprintf("%s?token=%s", c.websocketURL, c.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	c.connected.Store(true)
	c.log.Info("finnhub connected", logger.Int("symbols", len(c.symbols)))

	sessCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.connected.Store(false)
		_ = conn.Close()
	}()

	for _, s := range c.sortedSymbols() {
		msg := map[string]string{"type": "subscribe", "symbol": s}
		if err := c.write(func() error { return conn.WriteJSON(msg) }); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}

	go c.keepalive(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("finnhub read: %w", err)
		}
		batches, order, err := c.decode(b)
		if err != nil {
			c.log.Debug("finnhub: skipping frame", logger.Error(err))
			continue
		}
		for _, inst := range order {
			c.dispatch(ctx, inst, batches[inst])
		}
	}
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) })
		}
	}
}

// write serializes writers; gorilla connections allow one concurrent writer.
func (c *Client) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

func (c *Client) dispatch(ctx context.Context, inst models.Instrument, batch []models.Trade) {
	c.mu.RLock()
	h, ok := c.handlers[inst]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if err := h.OnBatch(ctx, batch); err != nil {
		c.log.Warn("finnhub: trade handler failed", logger.String("instrument", string(inst)), logger.Error(err))
	}
}

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type string    `json:"type"`
	Data []fhTrade `json:"data"`
}

// decode groups the trades of one frame by instrument, keeping arrival
// order. order lists instruments by first appearance.
func (c *Client) decode(b []byte) (map[models.Instrument][]models.Trade, []models.Instrument, error) {
	var m fhMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type != "trade" {
		return nil, nil, fmt.Errorf("frame type %q", m.Type)
	}
	out := make(map[models.Instrument][]models.Trade)
	var order []models.Instrument
	for _, d := range m.Data {
		inst, ok := c.symbols[d.S]
		if !ok {
			continue
		}
		if _, seen := out[inst]; !seen {
			order = append(order, inst)
		}
		out[inst] = append(out[inst], models.Trade{
			Source:     c.id,
			Instrument: inst,
			Price:      d.P,
			Size:       d.V,
			Timestamp:  time.UnixMilli(d.T).UTC(),
		})
	}
	return out, order, nil
}

func (c *Client) supports(inst models.Instrument) bool {
	for _, v := range c.symbols {
		if v == inst {
			return true
		}
	}
	return false
}

func (c *Client) sortedSymbols() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
