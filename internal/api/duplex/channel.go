// Package duplex maintains the persistent WebSocket connection to the
// reasoning backend: fire-and-forget outbound events, typed inbound events,
// and a single scheduled reconnect after an unexpected close.
package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Message is an inbound event envelope.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives inbound messages in arrival order, one at a time.
type Handler func(Message)

// Typed is implemented by outbound events to label metrics.
type Typed interface {
	EventType() string
}

// Config configures a Channel.
type Config struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	Header         http.Header
}

// DefaultConfig returns a 3 s reconnect delay.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 3 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// scheduleFunc runs f after d and returns a cancel function.
type scheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Channel is a duplex event channel over one WebSocket.
//
// At most one socket is live at a time. Close always wins over an
// in-flight dial or a pending reconnect.
type Channel struct {
	config   Config
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	schedule scheduleFunc

	mu            sync.Mutex
	state         State
	url           string
	conn          *websocket.Conn
	closed        bool
	epoch         uint64 // bumped by Close; stale dials and timers check it
	cancelTimer   func() bool
	timerID       uint64 // identifies the timer cancelTimer belongs to
	cancelDial    context.CancelFunc
	handlers      []Handler
	stateHandlers []func(State)

	writeMu sync.Mutex
}

// New creates a disconnected channel.
func New(cfg Config, m *metrics.Metrics) *Channel {
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Channel{
		config:   cfg,
		dialer:   websocket.DefaultDialer,
		logger:   logging.WithComponent("duplex"),
		metrics:  m,
		schedule: afterFunc,
	}
}

// OnEvent registers a handler for inbound messages.
func (c *Channel) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnStateChange registers a handler for state transitions. Handlers run
// with the channel lock held and must not call back into the channel.
func (c *Channel) OnStateChange(h func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is open.
func (c *Channel) IsConnected() bool {
	return c.State() == StateOpen
}

// Connect starts connecting to url in the background. It is a no-op unless
// the channel is disconnected.
func (c *Channel) Connect(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return
	}
	c.url = url
	c.closed = false
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	c.cancelDial = cancel
	c.setStateLocked(StateConnecting)
	go c.dial(ctx, cancel, c.epoch, url)
}

func (c *Channel) dial(ctx context.Context, cancel context.CancelFunc, epoch uint64, url string) {
	defer cancel()
	conn, _, err := c.dialer.DialContext(ctx, url, c.config.Header)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.logger.Debug().Str("url", url).Msg("Dial finished after close; discarded")
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("url", url).Msg("Backend connection failed")
		return
	}
	c.conn = conn
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.logger.Info().Str("url", url).Msg("Connected to backend")
	go c.readLoop(epoch, conn)
}

func (c *Channel) readLoop(epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(epoch, conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.metrics.RecordInboundMalformed()
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping unparseable inbound message")
			continue
		}
		c.metrics.RecordInboundEvent(msg.Type)

		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

// dropped handles the end of a read loop.
func (c *Channel) dropped(epoch uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.epoch != epoch || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	conn.Close()
	ev := c.logger.Warn().Err(err)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = c.logger.Info()
	}
	ev.Dur("reconnectIn", c.config.ReconnectDelay).Msg("Backend connection closed")
}

func (c *Channel) scheduleReconnectLocked() {
	if c.closed || c.cancelTimer != nil {
		return
	}
	epoch := c.epoch
	c.timerID++
	id := c.timerID
	c.cancelTimer = c.schedule(c.config.ReconnectDelay, func() { c.reconnect(epoch, id) })
	c.metrics.RecordReconnectScheduled()
}

// reconnect runs when timer id fires. A timer that was canceled or replaced
// after it fired does nothing.
func (c *Channel) reconnect(epoch, id uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.closed || c.cancelTimer == nil || c.timerID != id {
		c.mu.Unlock()
		return
	}
	c.cancelTimer = nil
	url := c.url
	c.mu.Unlock()

	c.logger.Info().Str("url", url).Msg("Reconnecting to backend")
	c.Connect(url)
}

// Send marshals v and writes it if the channel is open. Events sent while
// not open are dropped. It reports whether the event was written.
func (c *Channel) Send(v any) bool {
	eventType := "unknown"
	if t, ok := v.(Typed); ok {
		eventType = t.EventType()
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.metrics.RecordOutboundDropped("marshal")
		c.logger.Error().Err(err).Str("type", eventType).Msg("Failed to marshal outbound event")
		return false
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		c.metrics.RecordOutboundDropped("not_open")
		c.logger.Debug().Str("type", eventType).Str("state", state.String()).Msg("Dropping outbound event")
		return false
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.RecordOutboundDropped("write_error")
		c.logger.Warn().Err(err).Str("type", eventType).Msg("Failed to write outbound event")
		return false
	}
	c.metrics.RecordOutboundSent(eventType)
	return true
}

// Close closes the socket, cancels any pending reconnect and aborts an
// in-flight dial. Connect may be called again afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.epoch++
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.logger.Info().Msg("Backend connection closed by client")
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.RecordChannelState(int(s))
	for _, h := range c.stateHandlers {
		h(s)
	}
}
