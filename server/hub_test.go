package main

import (
	"errors"
	"sync"
	"testing"

	"github.com/showtime-live/showtime/wire"
)

func TestSubscribeSnapshotOrder(t *testing.T) {
	h := newHub(50, 50)
	s := testSession(10)

	envs := h.Subscribe(s)

	want := wire.Topics()
	if len(envs) != len(want) {
		t.Fatalf("Snapshots: expected %d, got %d", len(want), len(envs))
	}
	for i, env := range envs {
		if env.Type != want[i] {
			t.Errorf("Snapshot %d: expected topic %s, got %s", i, want[i], env.Type)
		}
		if env.Kind != wire.KindSnapshot {
			t.Errorf("Snapshot %d: expected kind snapshot, got %s", i, env.Kind)
		}
	}
	if got := len(s.send); got != len(want) {
		t.Errorf("Queued envelopes: expected %d, got %d", len(want), got)
	}
}

func TestPublishFanOut(t *testing.T) {
	h := newHub(50, 50)
	first := testSession(20)
	second := testSession(20)
	h.Subscribe(first)
	h.Subscribe(second)

	seq, err := h.Publish(wire.TopicMood, wire.KindDelta, wire.MoodPayload{"max": "joyful"})
	if err != nil {
		t.Fatal("Publish failed:", err)
	}
	if seq != 1 {
		t.Errorf("First mood publish: expected seq 1, got %d", seq)
	}

	for name, s := range map[string]*Session{"first": first, "second": second} {
		wg := sync.WaitGroup{}
		r := responses{}
		wg.Add(1)
		go s.testWriteLoop(&r, &wg)
		close(s.send)
		wg.Wait()

		// Five snapshots plus the mood delta.
		if len(r.messages) != 6 {
			t.Fatalf("%s: envelopes expected 6, received %d", name, len(r.messages))
		}
		last := r.messages[5]
		if last.Type != wire.TopicMood || last.Kind != wire.KindDelta || last.Seq != 1 {
			t.Errorf("%s: unexpected delta %+v", name, last)
		}
	}
}

func TestPublishUnknownTopic(t *testing.T) {
	h := newHub(50, 50)
	if _, err := h.Publish("weather", wire.KindDelta, wire.MoodPayload{}); !errors.Is(err, wire.ErrInvalidPayload) {
		t.Error("Unknown topic: expected ErrInvalidPayload, got", err)
	}
}

func TestPublishDropsOverflowedSession(t *testing.T) {
	h := newHub(50, 50)
	// Queue holds exactly the five connect snapshots; any delta overflows.
	slow := testSession(5)
	fast := testSession(50)
	h.Subscribe(slow)
	h.Subscribe(fast)

	if _, err := h.Publish(wire.TopicMood, wire.KindDelta, wire.MoodPayload{"leo": "sly"}); err != nil {
		t.Fatal("Publish failed:", err)
	}

	if got := slow.currentStatus(); got != sessClosing {
		t.Errorf("Slow session status: expected closing, got %d", got)
	}
	select {
	case reason := <-slow.halt:
		if reason != StopQueueOverflow {
			t.Errorf("Stop reason: expected StopQueueOverflow, got %d", reason)
		}
	default:
		t.Error("Slow session was not told to stop")
	}

	// The healthy session is unaffected and keeps receiving.
	if got := fast.currentStatus(); got != sessConnecting {
		t.Errorf("Fast session status changed: %d", got)
	}
	if _, err := h.Publish(wire.TopicMood, wire.KindDelta, wire.MoodPayload{"leo": "smug"}); err != nil {
		t.Fatal("Publish failed:", err)
	}
	if got := len(fast.send); got != 7 {
		t.Errorf("Fast session envelopes: expected 7, got %d", got)
	}
}

func TestLateJoinerSeesHistoryInSnapshot(t *testing.T) {
	h := newHub(50, 50)

	early := testSession(20)
	h.Subscribe(early)

	msg := chatMsg("max", "before you arrived", 1)
	if _, err := h.Publish(wire.TopicChat, wire.KindDelta, &wire.ChatPayload{Message: &msg}); err != nil {
		t.Fatal("Publish failed:", err)
	}

	late := testSession(20)
	envs := h.Subscribe(late)

	snap := envs[0].Payload.(*wire.ChatPayload)
	if len(snap.History) != 1 || snap.History[0].Content != "before you arrived" {
		t.Errorf("Late joiner snapshot history: %+v", snap.History)
	}
	if envs[0].Seq != 1 {
		t.Errorf("Late joiner snapshot seq: expected 1, got %d", envs[0].Seq)
	}
}

func TestHubStatus(t *testing.T) {
	h := newHub(50, 50)

	msg := chatMsg("emma", "status check", 1)
	h.Publish(wire.TopicChat, wire.KindDelta, &wire.ChatPayload{Message: &msg})
	h.Publish(wire.TopicMood, wire.KindDelta, wire.MoodPayload{"emma": "proud"})
	h.Publish(wire.TopicMood, wire.KindDelta, wire.MoodPayload{"emma": "tired"})

	st := h.status(3)
	if st.Status != "running" {
		t.Errorf("Status: expected running, got %s", st.Status)
	}
	if st.LiveSessions != 3 {
		t.Errorf("LiveSessions: expected 3, got %d", st.LiveSessions)
	}
	if st.TotalMessages != 1 {
		t.Errorf("TotalMessages: expected 1, got %d", st.TotalMessages)
	}
	if st.Sequences[wire.TopicMood] != 2 || st.Sequences[wire.TopicChat] != 1 {
		t.Errorf("Sequences: %v", st.Sequences)
	}
	if st.Sequences[wire.TopicScene] != 0 {
		t.Errorf("Scene sequence: expected 0, got %d", st.Sequences[wire.TopicScene])
	}
}

func TestDispatchChatAppliesDefaults(t *testing.T) {
	h := newHub(50, 50)
	globals.hub = h

	s := testSession(20)
	h.Subscribe(s)
	s.markActive()

	s.dispatch(&ClientComMessage{Chat: &wire.ChatMessage{Content: "hello from the couch"}})

	tail := h.topicGet(wire.TopicChat).chatTail(0)
	if len(tail) != 1 {
		t.Fatalf("Chat history: expected 1 message, got %d", len(tail))
	}
	got := tail[0]
	if got.Source != "user" {
		t.Errorf("Source default: expected user, got %s", got.Source)
	}
	if got.Destination != wire.DestAll {
		t.Errorf("Destination default: expected all, got %s", got.Destination)
	}
	if got.Timestamp == 0 {
		t.Error("Timestamp was not filled in")
	}
}

func TestDispatchRawMalformed(t *testing.T) {
	h := newHub(50, 50)
	globals.hub = h

	s := testSession(20)
	h.Subscribe(s)
	s.markActive()

	// Malformed input is dropped without touching state.
	s.dispatchRaw([]byte(`{"chat":`))

	if got := len(h.topicGet(wire.TopicChat).chatTail(0)); got != 0 {
		t.Errorf("Chat history after malformed message: expected 0, got %d", got)
	}
	if got := s.currentStatus(); got != sessActive {
		t.Errorf("Session status after malformed message: %d", got)
	}
}
