package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"CandleFlow/internal/domain/models"
	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"
	xlogger "CandleFlow/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

// CandleSubscriber is the live side of the aggregator.
type CandleSubscriber interface {
	Subscribe(key models.SeriesKey, h usecase.CandleHandler) (usecase.Subscription, error)
	SubscribeAll(h usecase.CandleHandler) (usecase.Subscription, error)
}

// StreamHandler serves GET /ws/candles. Each connection gets a buffered
// send queue; a client that falls behind is disconnected.
type StreamHandler struct {
	logger   *xlogger.Logger
	subs     CandleSubscriber
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func NewStreamHandler(logger *xlogger.Logger, subs CandleSubscriber) *StreamHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &StreamHandler{
		logger: logger,
		subs:   subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

func (h *StreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/candles", h.Stream)
}

// Stream upgrades the connection and forwards CandleEvent JSON frames.
func (h *StreamHandler) Stream(c echo.Context) error {
	req := &models.StreamRequest{}
	if err := c.Bind(req); err != nil {
		return xhttp.BadRequestResponse(c, []xhttp.ValidationError{{Code: "ERR_BIND", Message: err.Error()}})
	}

	var key models.SeriesKey
	if !req.All() {
		series := req.Series()
		if verr := validateSeries(series); verr != nil {
			return xhttp.AppErrorResponse(c, verr)
		}
		key = series.Key()
	}

	client := &streamClient{
		send: make(chan models.CandleEvent, clientSendSize),
		done: make(chan struct{}),
	}
	var (
		sub usecase.Subscription
		err error
	)
	if req.All() {
		sub, err = h.subs.SubscribeAll(client.push)
	} else {
		sub, err = h.subs.Subscribe(key, client.push)
	}
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("series not configured"))
		}
		return xhttp.AppErrorResponse(c, xhttp.InternalError("subscribe failed").WithError(err))
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	client.conn = conn
	if !h.register(client) {
		_ = conn.Close()
		return nil
	}
	defer h.unregister(client)

	h.logger.Debug("stream client connected",
		xlogger.String("series", key.String()), xlogger.Bool("all", req.All()), xlogger.String("id", sub.ID()))

	go client.readPump()
	client.writePump()
	return nil
}

// Close disconnects every client.
func (h *StreamHandler) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()
	for _, cl := range clients {
		cl.stop()
	}
}

// Clients returns the number of connected clients.
func (h *StreamHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StreamHandler) register(cl *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	return true
}

func (h *StreamHandler) unregister(cl *streamClient) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

func validateSeries(r models.SeriesRequest) *xhttp.AppError {
	switch {
	case r.Source == "":
		return xhttp.BadRequestError("source", "source is required")
	case r.Instrument == "":
		return xhttp.BadRequestError("instrument", "instrument is required")
	case r.TF != "" && !models.IsValidTimeframe(models.Timeframe(strings.ToLower(r.TF))):
		return xhttp.BadRequestError("tf", "unsupported timeframe")
	}
	return nil
}

type streamClient struct {
	conn     *websocket.Conn
	send     chan models.CandleEvent
	done     chan struct{}
	stopOnce sync.Once
}

// push is the CandleHandler; it runs on a lane goroutine and never blocks.
// Encoding happens in writePump.
func (cl *streamClient) push(ev models.CandleEvent) {
	select {
	case <-cl.done:
		return
	default:
	}
	select {
	case cl.send <- ev:
	default:
		cl.stop()
	}
}

func (cl *streamClient) stop() {
	cl.stopOnce.Do(func() { close(cl.done) })
}

func (cl *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()

	for {
		select {
		case <-cl.done:
			_ = cl.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case ev := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(ev); err != nil {
				cl.stop()
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.stop()
				return
			}
		}
	}
}

// readPump discards client frames and stops the client when the peer goes away.
func (cl *streamClient) readPump() {
	defer cl.stop()
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}
