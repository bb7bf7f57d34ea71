package client

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/showtime-live/showtime/wire"
)

func TestBackoffDelay(t *testing.T) {
	m, err := New(Config{
		URL:       "ws://localhost:8080/v0/channels",
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	})
	if err != nil {
		t.Fatal("New failed:", err)
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 1 * time.Second},
		{3, 2 * time.Second},
		{9, 5 * time.Second},
		{20, 5 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := m.backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d): expected %v, got %v", tc.attempt, tc.want, got)
		}
	}

	// Monotonically non-decreasing up to the cap.
	prev := time.Duration(0)
	for i := 0; i < 15; i++ {
		d := m.backoffDelay(i)
		if d < prev {
			t.Errorf("backoffDelay(%d) = %v decreased from %v", i, d, prev)
		}
		prev = d
	}
}

func TestConfigDefaults(t *testing.T) {
	m, err := New(Config{URL: "ws://localhost/v0/channels"})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	if m.cfg.BaseDelay != defaultBaseDelay || m.cfg.MaxDelay != defaultMaxDelay {
		t.Errorf("Delay defaults: %v %v", m.cfg.BaseDelay, m.cfg.MaxDelay)
	}
	if m.cfg.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts default: %d", m.cfg.MaxAttempts)
	}

	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty URL")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	m, err := New(Config{
		// Nothing listens here; every dial fails immediately.
		URL:         "ws://127.0.0.1:1/v0/channels",
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 3,
		ErrorLog:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer m.Close()

	if err := m.Start(); err != nil {
		t.Fatal("Start failed:", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !m.Exhausted() {
		if time.Now().After(deadline) {
			t.Fatal("Manager never gave up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m.Connected() {
		t.Error("Exhausted manager reports connected")
	}

	// No retry beyond the cap: the attempt counter stops at MaxAttempts and
	// no timer is pending.
	m.mu.Lock()
	attempt, retry := m.attempt, m.retry
	m.mu.Unlock()
	if attempt != 3 {
		t.Errorf("Attempts at exhaustion: expected 3, got %d", attempt)
	}
	if retry != nil {
		t.Error("A retry is still scheduled after exhaustion")
	}
}

func TestSendChatWhenDisconnected(t *testing.T) {
	m, err := New(Config{URL: "ws://localhost/v0/channels"})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	if err := m.SendChat("hello", ""); err != ErrNotConnected {
		t.Errorf("SendChat while disconnected: expected ErrNotConnected, got %v", err)
	}
	m.Close()
	if err := m.SendChat("hello", ""); err != ErrClosed {
		t.Errorf("SendChat after close: expected ErrClosed, got %v", err)
	}
	if err := m.Start(); err != ErrClosed {
		t.Errorf("Start after close: expected ErrClosed, got %v", err)
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func writeEnvelope(conn *websocket.Conn, env *wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// broadcastFixture replays the connect sequence the server would send: one
// snapshot per topic, then whatever extras the test asks for.
func broadcastFixture(t *testing.T, extras func(conn *websocket.Conn), connects *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if connects != nil {
			atomic.AddInt32(connects, 1)
		}

		snapshots := []*wire.Envelope{
			{Type: wire.TopicChat, Kind: wire.KindSnapshot, Seq: 2, Payload: &wire.ChatPayload{
				History: []wire.ChatMessage{chatMsg("max", "welcome back", 1)}}},
			{Type: wire.TopicMood, Kind: wire.KindSnapshot, Seq: 1, Payload: wire.MoodPayload{"max": "chipper"}},
			{Type: wire.TopicMemory, Kind: wire.KindSnapshot, Seq: 0, Payload: &wire.MemoryPayload{
				Logs: map[string][]wire.MemoryEntry{}}},
			{Type: wire.TopicScene, Kind: wire.KindSnapshot, Seq: 1, Payload: &wire.Scene{Theme: "stage"}},
			{Type: wire.TopicNarrative, Kind: wire.KindSnapshot, Seq: 0, Payload: wire.NarrativePayload{}},
		}
		for _, env := range snapshots {
			if err := writeEnvelope(conn, env); err != nil {
				return
			}
		}
		if extras != nil {
			extras(conn)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/channels"
}

func TestConnectAppliesSnapshotsAndDeltas(t *testing.T) {
	updates := make(chan string, 32)

	extras := func(conn *websocket.Conn) {
		writeEnvelope(conn, &wire.Envelope{Type: wire.TopicMood, Kind: wire.KindDelta, Seq: 2,
			Payload: wire.MoodPayload{"leo": "dramatic"}})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	srv := httptest.NewServer(broadcastFixture(t, extras, nil))
	defer srv.Close()

	m, err := New(Config{URL: wsURL(srv), ErrorLog: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer m.Close()
	m.OnStateChange(func(topic, kind string) { updates <- topic })

	if err := m.Start(); err != nil {
		t.Fatal("Start failed:", err)
	}

	waitForMoodDelta(t, updates, m)

	st := m.State()
	if got := st.Chat(); len(got) != 1 || got[0].Content != "welcome back" {
		t.Errorf("Chat replica: %+v", got)
	}
	mood := st.Mood()
	if mood["max"] != "chipper" || mood["leo"] != "dramatic" {
		t.Errorf("Mood replica: %v", mood)
	}
	if scene := st.Scene(); scene == nil || scene.Theme != "stage" {
		t.Errorf("Scene replica: %+v", st.Scene())
	}
}

// waitForMoodDelta drains listener updates until the mood delta has landed.
func waitForMoodDelta(t *testing.T, updates chan string, m *Manager) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-updates:
			if m.State().Seq(wire.TopicMood) >= 2 {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for replica updates")
		}
	}
}

func TestSendChatReachesServer(t *testing.T) {
	received := make(chan wire.ChatMessage, 1)

	extras := func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Chat *wire.ChatMessage `json:"chat"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Chat == nil {
			t.Error("Malformed client message:", string(raw))
			return
		}
		received <- *msg.Chat
	}
	srv := httptest.NewServer(broadcastFixture(t, extras, nil))
	defer srv.Close()

	m, err := New(Config{URL: wsURL(srv), ErrorLog: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer m.Close()
	if err := m.Start(); err != nil {
		t.Fatal("Start failed:", err)
	}

	// Wait for the connection before sending.
	deadline := time.Now().Add(5 * time.Second)
	for !m.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("Never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.SendChat("from the audience", ""); err != nil {
		t.Fatal("SendChat failed:", err)
	}

	select {
	case msg := <-received:
		if msg.Content != "from the audience" || msg.Source != "user" || msg.Destination != wire.DestAll {
			t.Errorf("Received chat: %+v", msg)
		}
		if msg.Timestamp == 0 {
			t.Error("Timestamp was not filled in")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server never received the chat message")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var connects int32
	hold := make(chan struct{})

	extras := func(conn *websocket.Conn) {
		if atomic.LoadInt32(&connects) == 1 {
			// First connection: drop immediately after the snapshots.
			return
		}
		<-hold
	}
	srv := httptest.NewServer(broadcastFixture(t, extras, &connects))
	defer srv.Close()
	defer close(hold)

	m, err := New(Config{
		URL:       wsURL(srv),
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		ErrorLog:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal("New failed:", err)
	}
	defer m.Close()
	if err := m.Start(); err != nil {
		t.Fatal("Start failed:", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&connects) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Client never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The replayed snapshots land in the replica even though the first
	// connection saw the same sequences.
	for m.State().Seq(wire.TopicChat) != 2 {
		if time.Now().After(deadline) {
			t.Fatal("Replica was not rebuilt after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Exhausted() {
		t.Error("Manager exhausted despite successful reconnect")
	}
}
