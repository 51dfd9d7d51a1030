package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call-assist-agent/internal/service/stt"
)

// testCallback implements stt.Callback for testing
type testCallback struct {
	mu       sync.Mutex
	partials []stt.Result
	finals   []stt.Result
	canceled []error
	stopped  int
}

func (c *testCallback) OnPartial(r stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, r)
}

func (c *testCallback) OnFinal(r stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, r)
}

func (c *testCallback) OnCanceled(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, err)
}

func (c *testCallback) OnSessionStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *testCallback) snapshot() ([]stt.Result, []stt.Result, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stt.Result{}, c.partials...), append([]stt.Result{}, c.finals...), c.stopped
}

func waitDone(t *testing.T, a *Adapter) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not finish delivering callbacks")
	}
}

// frame is 100 ms of 16 kHz audio.
var frame = make([]byte, 3200)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FramesPerStep = 1
	cfg.Loop = false
	cfg.Conversation = []SimulatedUtterance{
		{Speaker: "Agent", Partials: []string{"hel", "hello"}, Final: "Hello.", Confidence: 0.9},
		{Speaker: "Customer", Partials: []string{"hi"}, Final: "Hi there.", Confidence: 0.8},
	}
	return cfg
}

func TestAdapter_New(t *testing.T) {
	adapter := New(Config{})
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if adapter.closed {
		t.Error("expected adapter to not be closed initially")
	}
	if adapter.config.FramesPerStep != 1 || adapter.config.SampleRateHz != 16000 {
		t.Errorf("expected defaults to be filled, got %+v", adapter.config)
	}
	if len(adapter.config.Conversation) != len(DefaultConversation) {
		t.Error("expected default conversation")
	}
}

func TestAdapter_ScriptedConversation(t *testing.T) {
	adapter := New(testConfig())
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	for i := 0; i < 10; i++ {
		if err := adapter.SendAudio(context.Background(), frame); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	adapter.Close()
	waitDone(t, adapter)

	partials, finals, stopped := cb.snapshot()
	if len(partials) != 3 {
		t.Errorf("expected 3 partials, got %d", len(partials))
	}
	if len(finals) != 2 {
		t.Fatalf("expected 2 finals, got %d", len(finals))
	}
	if stopped != 1 {
		t.Errorf("expected 1 session stopped, got %d", stopped)
	}

	if finals[0].Speaker != "Agent" || finals[1].Speaker != "Customer" {
		t.Errorf("unexpected speakers %q, %q", finals[0].Speaker, finals[1].Speaker)
	}
	// Partials and the final of one utterance share its offset.
	if partials[0].Offset != finals[0].Offset || partials[1].Offset != finals[0].Offset {
		t.Errorf("first utterance offsets differ: %d %d %d", partials[0].Offset, partials[1].Offset, finals[0].Offset)
	}
	if partials[2].Offset != finals[1].Offset {
		t.Errorf("second utterance offsets differ: %d %d", partials[2].Offset, finals[1].Offset)
	}
	if finals[1].Offset <= finals[0].Offset {
		t.Errorf("expected increasing utterance offsets, got %d then %d", finals[0].Offset, finals[1].Offset)
	}
	// First event fires after one 100 ms frame.
	if finals[0].Offset != 1_000_000 {
		t.Errorf("expected first offset 1000000 ticks, got %d", finals[0].Offset)
	}
}

func TestAdapter_FramesPerStep(t *testing.T) {
	cfg := testConfig()
	cfg.FramesPerStep = 3
	adapter := New(cfg)
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	for i := 0; i < 6; i++ {
		adapter.SendAudio(context.Background(), frame)
	}
	adapter.Fail(errors.New("stop here"))
	waitDone(t, adapter)

	partials, finals, _ := cb.snapshot()
	if len(partials) != 2 || len(finals) != 0 {
		t.Errorf("expected 2 partials and no final after 6 frames, got %d/%d", len(partials), len(finals))
	}
}

func TestAdapter_CloseFinalizesInProgressUtterance(t *testing.T) {
	adapter := New(testConfig())
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	adapter.SendAudio(context.Background(), frame)
	adapter.Close()
	waitDone(t, adapter)

	partials, finals, stopped := cb.snapshot()
	if len(partials) != 1 {
		t.Errorf("expected 1 partial, got %d", len(partials))
	}
	if len(finals) != 1 || finals[0].Text != "Hello." {
		t.Errorf("expected in-progress utterance finalized, got %+v", finals)
	}
	if stopped != 1 {
		t.Errorf("expected session stopped, got %d", stopped)
	}
}

func TestAdapter_CloseIdempotent(t *testing.T) {
	adapter := New(testConfig())
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	if err := adapter.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
	waitDone(t, adapter)

	if err := adapter.SendAudio(context.Background(), frame); err != nil {
		t.Errorf("expected SendAudio after close to be a no-op, got %v", err)
	}
	_, _, stopped := cb.snapshot()
	if stopped != 1 {
		t.Errorf("expected exactly 1 session stopped, got %d", stopped)
	}
}

func TestAdapter_CloseWithoutStart(t *testing.T) {
	adapter := New(testConfig())

	if err := adapter.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitDone(t, adapter)
}

func TestAdapter_Fail(t *testing.T) {
	adapter := New(testConfig())
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	adapter.Fail(errors.New("network dropped"))
	waitDone(t, adapter)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.canceled) != 1 {
		t.Fatalf("expected 1 cancellation, got %d", len(cb.canceled))
	}
	var ce *stt.CancellationError
	if !errors.As(cb.canceled[0], &ce) || ce.Provider != Provider {
		t.Errorf("expected mock CancellationError, got %v", cb.canceled[0])
	}
	if cb.stopped != 0 {
		t.Error("a canceled session must not also report stopped")
	}
}

func TestAdapter_ConversationEndsWithoutLoop(t *testing.T) {
	adapter := New(testConfig())
	cb := &testCallback{}
	adapter.Start(context.Background(), cb)

	for i := 0; i < 50; i++ {
		adapter.SendAudio(context.Background(), frame)
	}
	adapter.Close()
	waitDone(t, adapter)

	_, finals, _ := cb.snapshot()
	if len(finals) != 2 {
		t.Errorf("expected conversation to end after 2 finals, got %d", len(finals))
	}
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory(testConfig())

	a, err := factory(context.Background(), stt.Credentials{}, stt.Options{SampleRateHz: 8000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := a.(*Adapter)
	if !ok {
		t.Fatalf("expected *Adapter, got %T", a)
	}
	if m.config.SampleRateHz != 8000 {
		t.Errorf("expected sample rate from options, got %d", m.config.SampleRateHz)
	}
}
