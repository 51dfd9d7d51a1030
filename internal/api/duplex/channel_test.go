package duplex

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"call-assist-agent/internal/observability/metrics"
)

type scheduled struct {
	delay    time.Duration
	fn       func()
	canceled bool
}

// fakeScheduler records reconnect timers instead of running them.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduled
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) func() bool {
	sc := &scheduled{delay: d, fn: f}
	s.mu.Lock()
	s.calls = append(s.calls, sc)
	s.mu.Unlock()
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		sc.canceled = true
		return true
	}
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeScheduler) last() *scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

// testBackend is a WebSocket server whose connections the test controls.
type testBackend struct {
	t        *testing.T
	srv      *httptest.Server
	gate     chan struct{} // closed to let upgrades proceed
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newTestBackend(t *testing.T, gated bool) *testBackend {
	t.Helper()
	b := &testBackend{t: t, gate: make(chan struct{}), conns: make(chan *websocket.Conn, 8)}
	if !gated {
		close(b.gate)
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			http.NotFound(w, r)
			return
		}
		<-b.gate
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/stream"
}

func (b *testBackend) next() *websocket.Conn {
	b.t.Helper()
	select {
	case c := <-b.conns:
		b.t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		b.t.Fatal("backend accepted no connection")
		return nil
	}
}

func newTestChannel() (*Channel, *fakeScheduler) {
	c := New(DefaultConfig(), metrics.NewUnregistered())
	fs := &fakeScheduler{}
	c.schedule = fs.schedule
	return c, fs
}

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, state is %v", want, c.State())
}

type outbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (o outbound) EventType() string { return o.Type }

func TestChannel_ConnectAndSend(t *testing.T) {
	b := newTestBackend(t, false)
	c, _ := newTestChannel()
	defer c.Close()

	c.Connect(b.url())
	server := b.next()
	waitState(t, c, StateOpen)

	if !c.IsConnected() {
		t.Error("expected IsConnected")
	}
	if !c.Send(outbound{Type: "transcript", Text: "hello"}) {
		t.Fatal("expected send to succeed")
	}

	var got outbound
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := server.ReadJSON(&got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if got.Type != "transcript" || got.Text != "hello" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestChannel_ConnectIsIdempotent(t *testing.T) {
	b := newTestBackend(t, false)
	c, _ := newTestChannel()
	defer c.Close()

	c.Connect(b.url())
	c.Connect(b.url())
	b.next()
	waitState(t, c, StateOpen)
	c.Connect(b.url())

	time.Sleep(50 * time.Millisecond)
	if n := b.accepted.Load(); n != 1 {
		t.Errorf("expected exactly 1 socket, got %d", n)
	}
}

func TestChannel_SendWhileDisconnectedDrops(t *testing.T) {
	c, _ := newTestChannel()

	if c.Send(outbound{Type: "transcript"}) {
		t.Error("expected send to be dropped while disconnected")
	}
	if c.Send(make(chan int)) {
		t.Error("expected unmarshalable event to be dropped")
	}
}

func TestChannel_UnexpectedCloseSchedulesOneReconnect(t *testing.T) {
	b := newTestBackend(t, false)
	c, fs := newTestChannel()
	defer c.Close()

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Connect(b.url())
	server := b.next()
	waitState(t, c, StateOpen)

	server.Close()
	waitState(t, c, StateDisconnected)
	time.Sleep(50 * time.Millisecond)

	if fs.count() != 1 {
		t.Fatalf("expected exactly 1 reconnect scheduled, got %d", fs.count())
	}
	if d := fs.last().delay; d != 3*time.Second {
		t.Errorf("expected 3s reconnect delay, got %v", d)
	}
	if c.Send(outbound{Type: "transcript"}) {
		t.Error("expected send to be dropped while disconnected")
	}

	fs.last().fn()
	b.next()
	waitState(t, c, StateOpen)
	if n := b.accepted.Load(); n != 2 {
		t.Errorf("expected 2 sockets over the channel's life, got %d", n)
	}
	if fs.count() != 1 {
		t.Errorf("expected no further reconnects, got %d", fs.count())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateDisconnected, StateConnecting, StateOpen}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestChannel_CloseCancelsPendingReconnect(t *testing.T) {
	b := newTestBackend(t, false)
	c, fs := newTestChannel()

	c.Connect(b.url())
	server := b.next()
	waitState(t, c, StateOpen)
	server.Close()
	waitState(t, c, StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	if fs.count() != 1 {
		t.Fatalf("expected 1 reconnect scheduled, got %d", fs.count())
	}

	c.Close()

	if !fs.last().canceled {
		t.Error("expected pending reconnect to be canceled")
	}
	fs.last().fn()
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateDisconnected {
		t.Errorf("expected to stay disconnected, got %v", c.State())
	}
	if n := b.accepted.Load(); n != 1 {
		t.Errorf("expected no reconnect after close, got %d sockets", n)
	}
}

func TestChannel_DeliberateCloseDoesNotReconnect(t *testing.T) {
	b := newTestBackend(t, false)
	c, fs := newTestChannel()

	c.Connect(b.url())
	b.next()
	waitState(t, c, StateOpen)
	c.Close()
	time.Sleep(50 * time.Millisecond)

	if fs.count() != 0 {
		t.Errorf("expected no reconnect after deliberate close, got %d", fs.count())
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %v", c.State())
	}
}

func TestChannel_CloseWinsOverInFlightDial(t *testing.T) {
	b := newTestBackend(t, true)
	c, fs := newTestChannel()

	c.Connect(b.url())
	waitState(t, c, StateConnecting)
	c.Close()
	close(b.gate)
	time.Sleep(100 * time.Millisecond)

	if c.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %v", c.State())
	}
	if fs.count() != 0 {
		t.Errorf("expected no reconnect scheduled, got %d", fs.count())
	}
}

func TestChannel_DialFailureSchedulesReconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	srv.Close()

	c, fs := newTestChannel()
	defer c.Close()
	c.Connect(url)
	waitState(t, c, StateDisconnected)
	time.Sleep(20 * time.Millisecond)

	if fs.count() != 1 {
		t.Errorf("expected 1 reconnect scheduled after dial failure, got %d", fs.count())
	}
}

func TestChannel_StaleTimerKeepsNewerReconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	srv.Close()

	c, fs := newTestChannel()
	c.Connect(url)
	waitState(t, c, StateDisconnected)
	waitCount(t, fs, 1)
	first := fs.last()

	// The first timer fires while a manual connect is failing.
	c.Connect(url)
	waitCount(t, fs, 2)
	waitState(t, c, StateDisconnected)
	second := fs.last()

	first.fn()
	time.Sleep(50 * time.Millisecond)
	if n := fs.count(); n != 2 {
		t.Errorf("stale timer started another attempt: %d reconnects scheduled", n)
	}

	c.Close()
	if !second.canceled {
		t.Error("expected Close to cancel the newer reconnect timer")
	}
}

func waitCount(t *testing.T, fs *fakeScheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d scheduled reconnects, got %d", want, fs.count())
}

func TestChannel_InboundOrderAndMalformed(t *testing.T) {
	b := newTestBackend(t, false)
	c, _ := newTestChannel()
	defer c.Close()

	received := make(chan Message, 10)
	c.OnEvent(func(m Message) { received <- m })

	c.Connect(b.url())
	server := b.next()
	waitState(t, c, StateOpen)

	frames := []string{
		`{"type":"processing"}`,
		`not json at all`,
		`{"data":{"text":"no type"}}`,
		`{"type":"suggestion_chunk","data":{"text":"Hel"}}`,
		`{"type":"suggestion_chunk","data":{"text":"lo"}}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	var got []Message
	for len(got) < 3 {
		select {
		case m := <-received:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 messages, got %d", len(got))
		}
	}

	if got[0].Type != "processing" || got[1].Type != "suggestion_chunk" || got[2].Type != "suggestion_chunk" {
		t.Errorf("unexpected order: %v, %v, %v", got[0].Type, got[1].Type, got[2].Type)
	}
	var chunk struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(got[2].Data, &chunk); err != nil || chunk.Text != "lo" {
		t.Errorf("unexpected data %s", got[2].Data)
	}
	if !c.IsConnected() {
		t.Error("malformed messages must not break the channel")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateOpen, "OPEN"},
		{State(5), "UNKNOWN(5)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %v, want %v", tt.state, got, tt.expected)
		}
	}
}
