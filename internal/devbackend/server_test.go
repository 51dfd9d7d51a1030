package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"call-assist-agent/internal/models"
)

func TestAnalyze(t *testing.T) {
	known := members["CAR-100002"]

	tests := []struct {
		name       string
		text       string
		known      *Member
		intent     string
		policy     string
		docs       int
		alerts     int
		suggestion string
	}{
		{
			name:       "claim without policy asks for it",
			text:       "Hi, I was in a small accident and need to file a claim.",
			intent:     IntentFileClaim,
			docs:       1,
			suggestion: "Ask for the policy number so you can open the claim.",
		},
		{
			name:   "policy lookup",
			text:   "My policy is CAR-100001.",
			intent: IntentGeneral,
			policy: "CAR-100001",
		},
		{
			name:   "unknown policy keeps known member",
			text:   "Actually it might be CAR-999999.",
			known:  &known,
			intent: IntentGeneral,
			policy: "CAR-100002",
		},
		{
			name:   "injury raises compliance alert",
			text:   "Was anyone injured?",
			intent: IntentGeneral,
			alerts: 1,
		},
		{
			name:       "suspended policy warns",
			text:       "My claim is for policy CAR-100003.",
			intent:     IntentFileClaim,
			policy:     "CAR-100003",
			docs:       1,
			alerts:     1,
			suggestion: "The policy is suspended. Confirm cover before lodging anything.",
		},
		{
			name:   "complaint",
			text:   "I want to make a complaint about the repairer.",
			intent: IntentComplaint,
			docs:   1,
		},
		{
			name:   "repair knowledge",
			text:   "No, everyone is fine, just some damage to the bumper.",
			intent: IntentGeneral,
			docs:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := analyze(tt.text, tt.known)
			if a.intent.Label != tt.intent {
				t.Errorf("intent = %s, want %s", a.intent.Label, tt.intent)
			}
			policy := ""
			if a.member != nil {
				policy = a.member.PolicyNumber
			}
			if policy != tt.policy {
				t.Errorf("policy = %q, want %q", policy, tt.policy)
			}
			if len(a.docs) != tt.docs {
				t.Errorf("docs = %d, want %d", len(a.docs), tt.docs)
			}
			if len(a.alerts) != tt.alerts {
				t.Errorf("alerts = %d, want %d", len(a.alerts), tt.alerts)
			}
			if tt.suggestion != "" && a.suggestion != tt.suggestion {
				t.Errorf("suggestion = %q, want %q", a.suggestion, tt.suggestion)
			}
		})
	}
}

func TestChunks(t *testing.T) {
	got := chunks("Ask for the policy")
	if strings.Join(got, "") != "Ask for the policy" || len(got) != 4 {
		t.Errorf("unexpected chunks %q", got)
	}
	if len(chunks("")) != 0 {
		t.Error("expected no chunks for empty text")
	}
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialStream(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads envelopes until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []received {
	t.Helper()
	var got []received
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var r received
		if err := conn.ReadJSON(&r); err != nil {
			t.Fatalf("waiting for %s: %v (got %v)", want, err, types(got))
		}
		got = append(got, r)
		if r.Type == want {
			return got
		}
	}
}

func types(rs []received) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Type
	}
	return out
}

func TestServer_TranscriptFlow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkDelay = 0
	srv := httptest.NewServer(New(cfg, nil).Handler())
	defer srv.Close()
	conn := dialStream(t, srv, "/stream")

	if err := conn.WriteJSON(models.TranscriptUpdate{Text: "Hi I was", Speaker: "Customer", Offset: 10}); err != nil {
		t.Fatal(err)
	}
	got := readUntil(t, conn, models.TypeTranscript)
	if len(got) != 1 {
		t.Fatalf("partial should only be echoed, got %v", types(got))
	}
	var echo models.TranscriptUpdate
	if err := json.Unmarshal(got[0].Data, &echo); err != nil || echo.Text != "Hi I was" || echo.IsFinalized {
		t.Errorf("unexpected echo %s", got[0].Data)
	}

	final := models.TranscriptUpdate{Text: "I need to file a claim on CAR-100001", IsFinalized: true, Speaker: "Customer", Offset: 10}
	if err := conn.WriteJSON(final); err != nil {
		t.Fatal(err)
	}
	got = readUntil(t, conn, models.TypeSuggestion)
	want := []string{
		models.TypeTranscript, models.TypeProcessing, models.TypeIntent,
		models.TypeMemberProfile, models.TypeKnowledge, models.TypeClearSuggestion,
	}
	seq := types(got)
	for i, w := range want {
		if i >= len(seq) || seq[i] != w {
			t.Fatalf("sequence = %v, want prefix %v", seq, want)
		}
	}
	var text strings.Builder
	for _, r := range got {
		if r.Type == models.TypeSuggestionChunk {
			var d models.SuggestionData
			_ = json.Unmarshal(r.Data, &d)
			text.WriteString(d.Text)
		}
	}
	var last models.SuggestionData
	_ = json.Unmarshal(got[len(got)-1].Data, &last)
	if text.String() != last.Text || last.Text == "" {
		t.Errorf("chunks %q do not add up to suggestion %q", text.String(), last.Text)
	}

	if err := conn.WriteJSON(models.NewEndCall()); err != nil {
		t.Fatal(err)
	}
	got = readUntil(t, conn, models.TypePostCallEvaluation)
	var ev Evaluation
	if err := json.Unmarshal(got[len(got)-1].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Utterances != 1 || ev.PolicyNumber != "CAR-100001" || !ev.Resolved || ev.Speakers["Customer"] != 1 {
		t.Errorf("unexpected evaluation %+v", ev)
	}
	if len(ev.Intents) != 1 || ev.Intents[0] != IntentFileClaim {
		t.Errorf("unexpected intents %v", ev.Intents)
	}
}

func TestServer_Token(t *testing.T) {
	srv := httptest.NewServer(New(DefaultConfig(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/speech-token")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["token"] != "dev-token" || body["region"] != "global" {
		t.Errorf("unexpected token body %v", body)
	}
}

func TestHub_ObserversReceiveEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	cfg := DefaultConfig()
	cfg.ChunkDelay = 0
	srv := httptest.NewServer(New(cfg, hub).Handler())
	defer srv.Close()

	observer := dialStream(t, srv, "/observe")
	deadline := time.Now().Add(5 * time.Second)
	for hub.Observers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	agent := dialStream(t, srv, "/stream")
	if err := agent.WriteJSON(models.TranscriptUpdate{Text: "hello", Speaker: "Agent"}); err != nil {
		t.Fatal(err)
	}

	got := readUntil(t, observer, models.TypeTranscript)
	if len(got) != 1 {
		t.Errorf("unexpected observer events %v", types(got))
	}
}

type fakeReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   int
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.errs > 0 {
		r.errs--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestHub_Tail(t *testing.T) {
	hub := NewHub()
	reader := &fakeReader{
		errs: 1,
		msgs: []kafka.Message{
			{Key: []byte("call-1"), Value: []byte("not json")},
			{
				Key:     []byte("call-1"),
				Value:   []byte(`{"text":"hello","entryId":"e1"}`),
				Headers: []kafka.Header{{Key: "eventType", Value: []byte("final")}},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.tail(ctx, reader, "call.transcript.final", time.Millisecond)
		close(done)
	}()

	select {
	case ev := <-hub.broadcast:
		m, ok := ev.(MirrorEvent)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		if m.Key != "call-1" || m.EventType != "final" || m.Topic != "call.transcript.final" {
			t.Errorf("unexpected mirror event %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no mirror event published")
	}

	cancel()
	<-done
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if !reader.closed {
		t.Error("reader not closed")
	}
}
