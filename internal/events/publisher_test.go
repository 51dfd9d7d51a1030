package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"call-assist-agent/internal/models"
	"call-assist-agent/internal/observability/metrics"
	"call-assist-agent/internal/service/transcript"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func enabledPublisher(partial, final *fakeWriter) *Publisher {
	return &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		principal:     "test-svc",
		topicPartial:  "test.partial",
		topicFinal:    "test.final",
		enabled:       true,
		metrics:       metrics.NewUnregistered(),
		now:           func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
}

func TestNew_Enabled(t *testing.T) {
	p := New(&Config{Enabled: true, Brokers: []string{"localhost:9092"}, TopicPartial: "p", TopicFinal: "f"})
	defer p.Close()

	if !p.enabled {
		t.Fatal("expected publisher to be enabled")
	}
	w, ok := p.writerFinal.(*kafka.Writer)
	if !ok || w.Topic != "f" {
		t.Errorf("expected kafka writer for topic f, got %#v", p.writerFinal)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.PublishPartial(context.Background(), "k", map[string]string{"text": "partial"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishFinal(context.Background(), "k", map[string]string{"text": "final"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishEntry(context.Background(), "call-1", transcript.Entry{ID: "e1", Offset: 10}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	if err := p.PublishPartial(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable partial event")
	}
	if err := p.PublishFinal(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable final event")
	}
}

func TestPublisher_PublishEntry_RoutesByFinality(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := enabledPublisher(partial, final)
	ctx := context.Background()

	if err := p.PublishEntry(ctx, "call-1", transcript.Entry{
		ID: "call-1-seg-1", Text: "My polic", Speaker: "Customer", Offset: 100,
	}); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := p.PublishEntry(ctx, "call-1", transcript.Entry{
		ID: "call-1-seg-2", Text: "My policy is CAR-100001", Speaker: "Customer",
		Offset: 50_000_000, IsFinalized: true, Timestamp: "00:05",
	}); err != nil {
		t.Fatalf("final: %v", err)
	}

	if len(partial.msgs) != 1 || len(final.msgs) != 1 {
		t.Fatalf("expected 1 partial and 1 final message, got %d and %d", len(partial.msgs), len(final.msgs))
	}

	pm := partial.msgs[0]
	if string(pm.Key) != "call-1" {
		t.Errorf("expected key call-1, got %s", pm.Key)
	}
	if len(pm.Headers) != 2 || string(pm.Headers[0].Value) != "partial" || string(pm.Headers[1].Value) != "test-svc" {
		t.Errorf("unexpected headers %+v", pm.Headers)
	}
	var gotPartial models.TranscriptPartial
	if err := json.Unmarshal(pm.Value, &gotPartial); err != nil {
		t.Fatalf("decode partial: %v", err)
	}
	if gotPartial.EventType != EventTypePartial || gotPartial.EntryID != "call-1-seg-1" || gotPartial.Timestamp != 1700000000000 {
		t.Errorf("unexpected partial %+v", gotPartial)
	}

	var gotFinal models.TranscriptFinal
	if err := json.Unmarshal(final.msgs[0].Value, &gotFinal); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if gotFinal.EventType != EventTypeFinal || gotFinal.AudioOffsetMs != 5000 || gotFinal.Display != "00:05" {
		t.Errorf("unexpected final %+v", gotFinal)
	}
}

func TestPublisher_WriteError(t *testing.T) {
	p := enabledPublisher(&fakeWriter{err: errors.New("broker down")}, &fakeWriter{})

	err := p.PublishEntry(context.Background(), "call-1", transcript.Entry{ID: "e", Offset: 1})
	if err == nil || err.Error() != "broker down" {
		t.Errorf("expected broker error, got %v", err)
	}
}

func TestPublisher_Close(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := enabledPublisher(partial, final)

	if err := p.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !partial.closed || !final.closed {
		t.Error("expected both writers closed")
	}

	if err := New(&Config{Enabled: false}).Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}
