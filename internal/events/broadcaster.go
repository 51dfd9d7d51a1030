package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
)

// natsPublisher is the subset of *nats.Conn the broadcaster uses.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// BroadcastConfig configures the NATS state broadcaster.
type BroadcastConfig struct {
	Enabled        bool
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// Broadcaster publishes session state snapshots on <prefix>.<callID>.
// A disabled broadcaster drops snapshots.
type Broadcaster struct {
	conn    *nats.Conn
	pub     natsPublisher
	prefix  string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster connects to NATS when enabled.
func NewBroadcaster(cfg BroadcastConfig, m *metrics.Metrics) (*Broadcaster, error) {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	b := &Broadcaster{
		prefix:  cfg.SubjectPrefix,
		logger:  logging.WithComponent("broadcaster"),
		metrics: m,
	}
	if b.prefix == "" {
		b.prefix = "callassist.state"
	}
	if !cfg.Enabled || cfg.URL == "" {
		b.logger.Info().Msg("NATS state broadcast disabled")
		return b, nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("call-assist-agent"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.conn = conn
	b.pub = conn
	b.logger.Info().Str("url", cfg.URL).Str("subjectPrefix", b.prefix).Msg("Connected to NATS")
	return b, nil
}

// Enabled reports whether snapshots are published.
func (b *Broadcaster) Enabled() bool {
	return b.pub != nil
}

// Subject returns the subject snapshots for callID are published on.
func (b *Broadcaster) Subject(callID string) string {
	return b.prefix + "." + callID
}

// Broadcast publishes one JSON snapshot.
func (b *Broadcaster) Broadcast(callID string, snapshot any) error {
	if b.pub == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		b.metrics.RecordStateBroadcast(err)
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	err = b.pub.Publish(b.Subject(callID), data)
	b.metrics.RecordStateBroadcast(err)
	if err != nil {
		b.logger.Warn().Err(err).Str("callId", callID).Msg("Failed to broadcast state")
		return err
	}
	return nil
}

// Healthy reports whether the NATS connection is up, or true when disabled.
func (b *Broadcaster) Healthy() bool {
	if b.conn == nil {
		return true
	}
	return b.conn.Status() == nats.CONNECTED
}

// Close drains the NATS connection.
func (b *Broadcaster) Close() {
	if b.conn == nil {
		return
	}
	b.logger.Info().Msg("Closing NATS connection")
	b.conn.Drain()
	b.conn.Close()
}
