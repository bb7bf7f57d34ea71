/******************************************************************************
 *
 *  Description :
 *
 *    Per-topic authoritative state: sequence assignment, merge rules and
 *    bounded history. Topics are created once at hub start-up and live for
 *    the life of the process.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/showtime-live/showtime/wire"
)

// Topic holds the authoritative state of one event stream. All mutation
// happens inside publish's critical section; different topics proceed in
// parallel with each other.
type Topic struct {
	name string

	mu sync.Mutex
	// Last assigned sequence number. Strictly increasing, never reused.
	seq   int64
	state topicState
	// Sessions attached to this topic. Guarded by mu so that fan-out,
	// attach and detach are serialized with state mutation: every session
	// queue observes envelopes in per-topic sequence order, snapshot first.
	sessions map[*Session]struct{}
}

// topicState applies validated payloads per the topic's merge rule and
// produces snapshot payloads for replay-on-connect.
type topicState interface {
	apply(kind string, payload any)
	snapshot() any
}

func newTopic(name string, historyCap int) *Topic {
	t := &Topic{name: name, sessions: make(map[*Session]struct{})}
	switch name {
	case wire.TopicChat:
		t.state = &chatState{limit: historyCap}
	case wire.TopicMood:
		t.state = &moodState{moods: make(wire.MoodPayload)}
	case wire.TopicMemory:
		t.state = &memoryState{limit: historyCap, logs: make(map[string][]wire.MemoryEntry)}
	case wire.TopicScene:
		t.state = &sceneState{}
	case wire.TopicNarrative:
		t.state = &narrativeState{}
	default:
		panic("topic: unknown topic " + name)
	}
	return t
}

// publish validates the payload, applies it to the authoritative state,
// assigns the next sequence number and enqueues the envelope to every
// attached session, all under the topic lock. Enqueueing is non-blocking:
// sessions whose queue is full are returned to the caller for teardown
// instead of stalling the publisher.
func (t *Topic) publish(kind string, payload any, ts float64) (*wire.Envelope, []*Session, error) {
	if err := wire.Validate(t.name, kind, payload); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.apply(kind, payload)
	t.seq++
	env := &wire.Envelope{Type: t.name, Kind: kind, Seq: t.seq, Timestamp: ts, Payload: payload}

	var overflowed []*Session
	for s := range t.sessions {
		if !s.queueOut(env) {
			overflowed = append(overflowed, s)
		}
	}
	return env, overflowed, nil
}

// attach enqueues a snapshot of current state to the session and registers
// it for subsequent deltas. Holding the lock across both steps guarantees
// the snapshot lands in the session queue before any later delta.
func (t *Topic) attach(s *Session, ts float64) *wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	env := &wire.Envelope{
		Type:      t.name,
		Kind:      wire.KindSnapshot,
		Seq:       t.seq,
		Timestamp: ts,
		Payload:   t.state.snapshot(),
	}
	s.queueOut(env)
	t.sessions[s] = struct{}{}
	return env
}

// detach removes the session. Idempotent.
func (t *Topic) detach(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
}

func (t *Topic) subsCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Topic) sequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// chatTail returns up to n most recent retained chat messages.
// Valid only on the chat topic.
func (t *Topic) chatTail(n int) []wire.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs := t.state.(*chatState)
	if n <= 0 || n > len(cs.history) {
		n = len(cs.history)
	}
	out := make([]wire.ChatMessage, n)
	copy(out, cs.history[len(cs.history)-n:])
	return out
}

// chatState: append-only ordered log, bounded at limit entries. Eviction is
// FIFO and evicted entries are unrecoverable.
type chatState struct {
	limit   int
	history []wire.ChatMessage
}

func (cs *chatState) apply(kind string, payload any) {
	pl := payload.(*wire.ChatPayload)
	if kind == wire.KindSnapshot {
		cs.history = tailChat(pl.History, cs.limit)
		return
	}

	cs.history = append(cs.history, *pl.Message)
	if evicted := len(cs.history) - cs.limit; evicted > 0 {
		n := copy(cs.history, cs.history[evicted:])
		cs.history = cs.history[:n]
	}
}

func (cs *chatState) snapshot() any {
	history := make([]wire.ChatMessage, len(cs.history))
	copy(history, cs.history)
	return &wire.ChatPayload{History: history}
}

func tailChat(msgs []wire.ChatMessage, limit int) []wire.ChatMessage {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]wire.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// moodState: replace-by-key mapping of character id to mood label.
type moodState struct {
	moods wire.MoodPayload
}

func (ms *moodState) apply(kind string, payload any) {
	pl := payload.(wire.MoodPayload)
	if kind == wire.KindSnapshot {
		ms.moods = make(wire.MoodPayload, len(pl))
	}
	for id, label := range pl {
		ms.moods[id] = label
	}
}

func (ms *moodState) snapshot() any {
	out := make(wire.MoodPayload, len(ms.moods))
	for id, label := range ms.moods {
		out[id] = label
	}
	return out
}

// memoryState: per-character memory logs, replace-by-key on delta, each log
// bounded at limit entries.
type memoryState struct {
	limit int
	logs  map[string][]wire.MemoryEntry
}

func (ms *memoryState) apply(kind string, payload any) {
	pl := payload.(*wire.MemoryPayload)
	if kind == wire.KindDelta {
		ms.logs[pl.CharacterID] = tailMemory(pl.Log, ms.limit)
		return
	}

	ms.logs = make(map[string][]wire.MemoryEntry, len(pl.Logs))
	for id, log := range pl.Logs {
		ms.logs[id] = tailMemory(log, ms.limit)
	}
}

func (ms *memoryState) snapshot() any {
	logs := make(map[string][]wire.MemoryEntry, len(ms.logs))
	for id, log := range ms.logs {
		cp := make([]wire.MemoryEntry, len(log))
		copy(cp, log)
		logs[id] = cp
	}
	return &wire.MemoryPayload{Logs: logs}
}

func tailMemory(entries []wire.MemoryEntry, limit int) []wire.MemoryEntry {
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]wire.MemoryEntry, len(entries))
	copy(out, entries)
	return out
}

// sceneState: single current value, full replacement on every publish.
type sceneState struct {
	scene *wire.Scene
}

func (ss *sceneState) apply(_ string, payload any) {
	pl := payload.(*wire.Scene)
	cp := *pl
	cp.ActiveCharacters = append([]string(nil), pl.ActiveCharacters...)
	cp.TriggerIDs = append([]string(nil), pl.TriggerIDs...)
	ss.scene = &cp
}

func (ss *sceneState) snapshot() any {
	if ss.scene == nil {
		return &wire.Scene{}
	}
	cp := *ss.scene
	cp.ActiveCharacters = append([]string(nil), ss.scene.ActiveCharacters...)
	cp.TriggerIDs = append([]string(nil), ss.scene.TriggerIDs...)
	return &cp
}

// narrativeState: ordered arc collection, full replacement on every publish.
type narrativeState struct {
	arcs wire.NarrativePayload
}

func (ns *narrativeState) apply(_ string, payload any) {
	pl := payload.(wire.NarrativePayload)
	ns.arcs = make(wire.NarrativePayload, len(pl))
	copy(ns.arcs, pl)
}

func (ns *narrativeState) snapshot() any {
	out := make(wire.NarrativePayload, len(ns.arcs))
	copy(out, ns.arcs)
	return out
}
