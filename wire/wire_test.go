package wire

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeChatDelta(t *testing.T) {
	raw := []byte(`{"type":"chat","kind":"delta","seq":7,"ts":12.5,
		"payload":{"message":{"source":"max","destination":"all","content":"hello","timestamp":12.5}}}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatal("Decode failed:", err)
	}

	want := &Envelope{
		Type:      TopicChat,
		Kind:      KindDelta,
		Seq:       7,
		Timestamp: 12.5,
		Payload: &ChatPayload{
			Message: &ChatMessage{Source: "max", Destination: "all", Content: "hello", Timestamp: 12.5},
		},
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("Decoded envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMoodSnapshot(t *testing.T) {
	raw := []byte(`{"type":"mood","kind":"snapshot","seq":3,"payload":{"max":"happy","leo":"angry"}}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatal("Decode failed:", err)
	}
	pl, ok := env.Payload.(MoodPayload)
	if !ok {
		t.Fatalf("Payload type: expected MoodPayload, got %T", env.Payload)
	}
	if pl["max"] != "happy" || pl["leo"] != "angry" {
		t.Errorf("Payload content mismatch: %v", pl)
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"weather","kind":"delta","seq":1,"payload":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Unknown topic: expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"chat","kind":"patch","seq":1,"payload":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Unknown kind: expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"chat",`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Truncated JSON: expected ErrMalformed, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:      TopicNarrative,
		Kind:      KindSnapshot,
		Seq:       42,
		Timestamp: 100.25,
		Payload: NarrativePayload{
			{ArcID: "arc-1", Title: "Origins", Status: ArcActive, CurrentPhase: "rising", Progress: 0.5},
		},
	}
	raw, err := Encode(env)
	if err != nil {
		t.Fatal("Encode failed:", err)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatal("Decode failed:", err)
	}
	if diff := cmp.Diff(env, back); diff != "" {
		t.Errorf("Round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateChat(t *testing.T) {
	msg := &ChatMessage{Source: "user", Destination: DestAll, Content: "hi"}

	if err := Validate(TopicChat, KindDelta, &ChatPayload{Message: msg}); err != nil {
		t.Error("Valid delta rejected:", err)
	}
	if err := Validate(TopicChat, KindDelta, &ChatPayload{}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Delta without message: expected ErrInvalidPayload, got", err)
	}
	if err := Validate(TopicChat, KindDelta,
		&ChatPayload{Message: &ChatMessage{Source: "user", Destination: DestAll}}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Empty content: expected ErrInvalidPayload, got", err)
	}
	if err := Validate(TopicChat, KindSnapshot, &ChatPayload{Message: msg}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Snapshot with message: expected ErrInvalidPayload, got", err)
	}
	if err := Validate(TopicChat, KindSnapshot, &ChatPayload{History: []ChatMessage{*msg}}); err != nil {
		t.Error("Valid snapshot rejected:", err)
	}
	if err := Validate(TopicChat, "patch", &ChatPayload{Message: msg}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Unknown kind: expected ErrInvalidPayload, got", err)
	}
}

func TestValidateMood(t *testing.T) {
	if err := Validate(TopicMood, KindDelta, MoodPayload{"max": "calm"}); err != nil {
		t.Error("Valid mood delta rejected:", err)
	}
	if err := Validate(TopicMood, KindDelta, MoodPayload{"": "calm"}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Empty character id: expected ErrInvalidPayload, got", err)
	}
	if err := Validate(TopicMood, KindDelta, "not a map"); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Wrong payload type: expected ErrInvalidPayload, got", err)
	}
}

func TestValidateMemory(t *testing.T) {
	entry := MemoryEntry{Type: "observation", Timestamp: 1.5, Content: "saw the letter"}

	if err := Validate(TopicMemory, KindDelta,
		&MemoryPayload{CharacterID: "emma", Log: []MemoryEntry{entry}}); err != nil {
		t.Error("Valid memory delta rejected:", err)
	}
	if err := Validate(TopicMemory, KindDelta, &MemoryPayload{Log: []MemoryEntry{entry}}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Delta without character_id: expected ErrInvalidPayload, got", err)
	}
	if err := Validate(TopicMemory, KindSnapshot,
		&MemoryPayload{Logs: map[string][]MemoryEntry{"emma": {entry}}}); err != nil {
		t.Error("Valid memory snapshot rejected:", err)
	}
	if err := Validate(TopicMemory, KindSnapshot,
		&MemoryPayload{CharacterID: "emma", Logs: map[string][]MemoryEntry{}}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Snapshot with character_id: expected ErrInvalidPayload, got", err)
	}
}

func TestValidateNarrative(t *testing.T) {
	if err := Validate(TopicNarrative, KindDelta, NarrativePayload{{ArcID: "arc-1"}}); err != nil {
		t.Error("Valid narrative rejected:", err)
	}
	if err := Validate(TopicNarrative, KindDelta, NarrativePayload{{Title: "nameless"}}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Arc without arc_id: expected ErrInvalidPayload, got", err)
	}
}

func TestValidateUnknownTopic(t *testing.T) {
	if err := Validate("weather", KindDelta, MoodPayload{}); !errors.Is(err, ErrInvalidPayload) {
		t.Error("Unknown topic: expected ErrInvalidPayload, got", err)
	}
}
