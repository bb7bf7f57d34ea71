package client

import (
	"sync"

	"github.com/showtime-live/showtime/wire"
)

// State is the client-side replica of the five streams. Envelopes are
// applied one at a time by the manager's read loop; getters hand out copies
// so callers can hold results without racing the reducer.
type State struct {
	mu sync.Mutex

	chat      []wire.ChatMessage
	mood      map[string]string
	memory    map[string][]wire.MemoryEntry
	scene     *wire.Scene
	narrative []wire.NarrativeArc

	// Highest sequence applied per topic. Anything at or below is a
	// duplicate or stale and is dropped.
	seqs map[string]int64

	chatCap   int
	memoryCap int
}

func newState(chatCap, memoryCap int) *State {
	return &State{
		mood:      make(map[string]string),
		memory:    make(map[string][]wire.MemoryEntry),
		seqs:      make(map[string]int64),
		chatCap:   chatCap,
		memoryCap: memoryCap,
	}
}

// resetCursors drops the per-topic sequence cursors. Called before each
// (re)connect: the server restarts its numbering when it restarts, and the
// replayed snapshots must not be mistaken for stale envelopes.
func (st *State) resetCursors() {
	st.mu.Lock()
	for k := range st.seqs {
		delete(st.seqs, k)
	}
	st.mu.Unlock()
}

// apply merges one envelope into the replica. Returns false if the envelope
// was dropped as a duplicate or out-of-order.
func (st *State) apply(env *wire.Envelope) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Snapshots are authoritative full state and always apply; the stale
	// check would drop a fresh server's snapshot, which carries seq 0.
	if env.Kind != wire.KindSnapshot && env.Seq <= st.seqs[env.Type] {
		return false
	}

	switch env.Type {
	case wire.TopicChat:
		if !st.applyChat(env) {
			// Duplicate by content. Still advance the cursor.
			st.seqs[env.Type] = env.Seq
			return false
		}
	case wire.TopicMood:
		st.applyMood(env)
	case wire.TopicMemory:
		st.applyMemory(env)
	case wire.TopicScene:
		if pl, ok := env.Payload.(*wire.Scene); ok && pl != nil {
			sc := *pl
			st.scene = &sc
		}
	case wire.TopicNarrative:
		if pl, ok := env.Payload.(wire.NarrativePayload); ok {
			st.narrative = append([]wire.NarrativeArc(nil), pl...)
		}
	default:
		return false
	}

	st.seqs[env.Type] = env.Seq
	return true
}

func (st *State) applyChat(env *wire.Envelope) bool {
	pl, ok := env.Payload.(*wire.ChatPayload)
	if !ok || pl == nil {
		return false
	}

	if env.Kind == wire.KindSnapshot {
		hist := pl.History
		if len(hist) > st.chatCap {
			hist = hist[len(hist)-st.chatCap:]
		}
		st.chat = append([]wire.ChatMessage(nil), hist...)
		return true
	}

	if pl.Message == nil {
		return false
	}
	msg := *pl.Message

	// Idempotent merge: a delta repeating the latest message with an equal
	// or older timestamp is a re-delivery, not a new line.
	if n := len(st.chat); n > 0 {
		last := st.chat[n-1]
		if last.Source == msg.Source && last.Destination == msg.Destination &&
			last.Content == msg.Content && msg.Timestamp <= last.Timestamp {
			return false
		}
	}

	st.chat = append(st.chat, msg)
	if len(st.chat) > st.chatCap {
		st.chat = append(st.chat[:0], st.chat[len(st.chat)-st.chatCap:]...)
	}
	return true
}

func (st *State) applyMood(env *wire.Envelope) {
	pl, ok := env.Payload.(wire.MoodPayload)
	if !ok {
		return
	}
	if env.Kind == wire.KindSnapshot {
		st.mood = make(map[string]string, len(pl))
	}
	for id, label := range pl {
		st.mood[id] = label
	}
}

func (st *State) applyMemory(env *wire.Envelope) {
	pl, ok := env.Payload.(*wire.MemoryPayload)
	if !ok || pl == nil {
		return
	}
	if env.Kind == wire.KindSnapshot {
		st.memory = make(map[string][]wire.MemoryEntry, len(pl.Logs))
		for id, entries := range pl.Logs {
			st.memory[id] = st.boundMemory(append([]wire.MemoryEntry(nil), entries...))
		}
		return
	}
	if pl.CharacterID == "" {
		return
	}
	st.memory[pl.CharacterID] = st.boundMemory(append([]wire.MemoryEntry(nil), pl.Log...))
}

func (st *State) boundMemory(entries []wire.MemoryEntry) []wire.MemoryEntry {
	if len(entries) > st.memoryCap {
		entries = entries[len(entries)-st.memoryCap:]
	}
	return entries
}

// Chat returns a copy of the retained chat history, oldest first.
func (st *State) Chat() []wire.ChatMessage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]wire.ChatMessage(nil), st.chat...)
}

// Mood returns a copy of the character mood map.
func (st *State) Mood() map[string]string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]string, len(st.mood))
	for id, label := range st.mood {
		out[id] = label
	}
	return out
}

// Memory returns a copy of one character's memory log, oldest first.
func (st *State) Memory(characterID string) []wire.MemoryEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]wire.MemoryEntry(nil), st.memory[characterID]...)
}

// Scene returns a copy of the current scene, or nil before the first
// scene envelope arrives.
func (st *State) Scene() *wire.Scene {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.scene == nil {
		return nil
	}
	sc := *st.scene
	sc.ActiveCharacters = append([]string(nil), st.scene.ActiveCharacters...)
	sc.TriggerIDs = append([]string(nil), st.scene.TriggerIDs...)
	return &sc
}

// Narrative returns a copy of the current arc collection.
func (st *State) Narrative() []wire.NarrativeArc {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]wire.NarrativeArc(nil), st.narrative...)
}

// Seq returns the highest sequence applied for the topic, 0 if none.
func (st *State) Seq(topic string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seqs[topic]
}
