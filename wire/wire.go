// Package wire defines the JSON envelope and payload types carried between
// the broadcast hub and its viewers. The server and the Go client both
// import these — single source of truth for the wire contract.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topic names: the closed set of event streams.
const (
	TopicChat      = "chat"
	TopicMood      = "mood"
	TopicMemory    = "memory"
	TopicScene     = "scene"
	TopicNarrative = "narrative"
)

// Envelope kinds.
const (
	// KindSnapshot fully replaces the receiver's state for the topic.
	KindSnapshot = "snapshot"
	// KindDelta is merged into existing state per the topic's merge rule.
	KindDelta = "delta"
)

// Errors reported at the publish and decode boundaries.
var (
	// ErrInvalidPayload: producer supplied a payload failing the topic's
	// shape contract. Rejected before fan-out.
	ErrInvalidPayload = errors.New("wire: invalid payload")
	// ErrMalformed: received bytes could not be decoded into an envelope.
	ErrMalformed = errors.New("wire: malformed envelope")
)

// Topics returns the topic names in their canonical order.
func Topics() []string {
	return []string{TopicChat, TopicMood, TopicMemory, TopicScene, TopicNarrative}
}

// ValidTopic reports whether name is one of the five known topics.
func ValidTopic(name string) bool {
	switch name {
	case TopicChat, TopicMood, TopicMemory, TopicScene, TopicNarrative:
		return true
	}
	return false
}

// Envelope is the uniform unit carried on the wire.
//
// Seq is assigned by the hub at publish time, strictly increasing per topic,
// and is the sole basis for ordering and de-duplication. Timestamp is
// producer time in fractional seconds and is for display only.
type Envelope struct {
	Type      string  `json:"type"`
	Kind      string  `json:"kind"`
	Seq       int64   `json:"seq"`
	Timestamp float64 `json:"ts,omitempty"`
	Payload   any     `json:"payload"`
}

// ChatMessage is a single chat line.
// Destination is a character id or the sentinel "all".
type ChatMessage struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Content     string  `json:"content"`
	Timestamp   float64 `json:"timestamp"`
}

// DestAll is the broadcast destination sentinel.
const DestAll = "all"

// ChatPayload carries either the full retained history (snapshot) or a
// single new message (delta). Exactly one of the two fields is set.
type ChatPayload struct {
	History []ChatMessage `json:"history,omitempty"`
	Message *ChatMessage  `json:"message,omitempty"`
}

// MoodPayload maps character ids to mood labels. A delta is a partial
// mapping merged key-by-key; a snapshot is the complete mapping.
type MoodPayload map[string]string

// MemoryEntry is one line of a character's memory log.
type MemoryEntry struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Content   string  `json:"content"`
}

// MemoryPayload carries either the full per-character log map (snapshot) or
// one character's complete log (delta, replace-by-key).
type MemoryPayload struct {
	CharacterID string                   `json:"character_id,omitempty"`
	Log         []MemoryEntry            `json:"log,omitempty"`
	Logs        map[string][]MemoryEntry `json:"logs,omitempty"`
}

// Scene is the single current scene value. Published as a full replacement.
type Scene struct {
	Theme            string   `json:"theme"`
	EmotionalTone    string   `json:"emotional_tone"`
	ActiveCharacters []string `json:"active_characters"`
	TriggerIDs       []string `json:"trigger_ids,omitempty"`
	Summary          string   `json:"summary"`
}

// Narrative arc statuses.
const (
	ArcPending   = "pending"
	ArcActive    = "active"
	ArcCompleted = "completed"
	ArcFailed    = "failed"
)

// NarrativeArc describes one story arc and its progress.
type NarrativeArc struct {
	ArcID        string  `json:"arc_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Status       string  `json:"status"`
	CurrentPhase string  `json:"current_phase,omitempty"`
	Progress     float64 `json:"progress"`
}

// NarrativePayload is the full ordered collection of arcs. The whole
// collection is republished on every change, never diffed.
type NarrativePayload []NarrativeArc

// Validate checks that payload matches the shape contract for (topic, kind).
// All failures wrap ErrInvalidPayload.
func Validate(topic, kind string, payload any) error {
	if kind != KindSnapshot && kind != KindDelta {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}

	switch topic {
	case TopicChat:
		pl, ok := payload.(*ChatPayload)
		if !ok || pl == nil {
			return fmt.Errorf("%w: chat payload must be *ChatPayload", ErrInvalidPayload)
		}
		if kind == KindDelta {
			if pl.Message == nil || pl.History != nil {
				return fmt.Errorf("%w: chat delta carries exactly one message", ErrInvalidPayload)
			}
			return validateChatMessage(pl.Message)
		}
		if pl.Message != nil {
			return fmt.Errorf("%w: chat snapshot carries history only", ErrInvalidPayload)
		}
		for i := range pl.History {
			if err := validateChatMessage(&pl.History[i]); err != nil {
				return err
			}
		}

	case TopicMood:
		pl, ok := payload.(MoodPayload)
		if !ok || pl == nil {
			return fmt.Errorf("%w: mood payload must be MoodPayload", ErrInvalidPayload)
		}
		for id, label := range pl {
			if id == "" || label == "" {
				return fmt.Errorf("%w: empty mood key or label", ErrInvalidPayload)
			}
		}

	case TopicMemory:
		pl, ok := payload.(*MemoryPayload)
		if !ok || pl == nil {
			return fmt.Errorf("%w: memory payload must be *MemoryPayload", ErrInvalidPayload)
		}
		if kind == KindDelta {
			if pl.CharacterID == "" || pl.Logs != nil {
				return fmt.Errorf("%w: memory delta needs character_id and log", ErrInvalidPayload)
			}
		} else if pl.Logs == nil || pl.CharacterID != "" || pl.Log != nil {
			return fmt.Errorf("%w: memory snapshot carries the full log map only", ErrInvalidPayload)
		}

	case TopicScene:
		// Scene is replace-on-publish for both kinds.
		pl, ok := payload.(*Scene)
		if !ok || pl == nil {
			return fmt.Errorf("%w: scene payload must be *Scene", ErrInvalidPayload)
		}

	case TopicNarrative:
		// Narrative is replace-on-publish for both kinds.
		pl, ok := payload.(NarrativePayload)
		if !ok {
			return fmt.Errorf("%w: narrative payload must be NarrativePayload", ErrInvalidPayload)
		}
		for i := range pl {
			if pl[i].ArcID == "" {
				return fmt.Errorf("%w: narrative arc %d missing arc_id", ErrInvalidPayload, i)
			}
		}

	default:
		return fmt.Errorf("%w: unknown topic %q", ErrInvalidPayload, topic)
	}

	return nil
}

func validateChatMessage(m *ChatMessage) error {
	if m.Source == "" {
		return fmt.Errorf("%w: chat message missing source", ErrInvalidPayload)
	}
	if m.Destination == "" {
		return fmt.Errorf("%w: chat message missing destination", ErrInvalidPayload)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: chat message missing content", ErrInvalidPayload)
	}
	return nil
}

// rawEnvelope defers payload decoding until the topic is known.
type rawEnvelope struct {
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	Seq       int64           `json:"seq"`
	Timestamp float64         `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses a wire message into an Envelope with a concrete payload
// type determined by the topic. All failures wrap ErrMalformed.
func Decode(data []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !ValidTopic(raw.Type) {
		return nil, fmt.Errorf("%w: unknown topic %q", ErrMalformed, raw.Type)
	}
	if raw.Kind != KindSnapshot && raw.Kind != KindDelta {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, raw.Kind)
	}

	env := &Envelope{Type: raw.Type, Kind: raw.Kind, Seq: raw.Seq, Timestamp: raw.Timestamp}

	var err error
	switch raw.Type {
	case TopicChat:
		pl := &ChatPayload{}
		err = json.Unmarshal(raw.Payload, pl)
		env.Payload = pl
	case TopicMood:
		pl := MoodPayload{}
		err = json.Unmarshal(raw.Payload, &pl)
		env.Payload = pl
	case TopicMemory:
		pl := &MemoryPayload{}
		err = json.Unmarshal(raw.Payload, pl)
		env.Payload = pl
	case TopicScene:
		pl := &Scene{}
		err = json.Unmarshal(raw.Payload, pl)
		env.Payload = pl
	case TopicNarrative:
		pl := NarrativePayload{}
		err = json.Unmarshal(raw.Payload, &pl)
		env.Payload = pl
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, raw.Type, err)
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}
