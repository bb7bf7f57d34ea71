/******************************************************************************
 *
 *  Description :
 *
 *    Main hub for the five event streams: accepts publishes from producer
 *    engines, fans envelopes out to subscribed sessions, serves
 *    replay-on-connect snapshots.
 *
 *****************************************************************************/

package main

import (
	"fmt"
	"time"

	"github.com/showtime-live/showtime/server/logs"
	"github.com/showtime-live/showtime/wire"
)

// Hub is the single source of truth for topic state and the fan-out
// authority. One instance per process, constructed at start-up and passed
// by handle to producers and the session layer.
type Hub struct {
	// Topics indexed by name. The set is fixed at the five streams and
	// never changes while the process runs.
	topics map[string]*Topic

	started time.Time
}

func newHub(chatHistoryCap, memoryHistoryCap int) *Hub {
	h := &Hub{
		topics:  make(map[string]*Topic),
		started: time.Now(),
	}
	for _, name := range wire.Topics() {
		historyCap := chatHistoryCap
		if name == wire.TopicMemory {
			historyCap = memoryHistoryCap
		}
		h.topics[name] = newTopic(name, historyCap)
	}

	statsRegisterInt("LiveTopics")

	statsRegisterInt("IncomingMessagesWebsockTotal")
	statsRegisterInt("OutgoingMessagesWebsockTotal")

	statsRegisterInt("PublishedEnvelopesTotal")
	statsRegisterInt("InvalidPayloadsTotal")
	statsRegisterInt("QueueOverflowsTotal")
	statsSet("LiveTopics", int64(len(h.topics)))

	return h
}

func (h *Hub) topicGet(name string) *Topic {
	return h.topics[name]
}

// Publish assigns the next sequence number for the topic, applies the
// payload to authoritative state and enqueues the resulting envelope to
// every subscribed session. It returns once envelopes are enqueued, never
// once they are delivered: slow consumers cannot stall a producer.
func (h *Hub) Publish(topic, kind string, payload any) (int64, error) {
	t := h.topicGet(topic)
	if t == nil {
		statsInc("InvalidPayloadsTotal", 1)
		return 0, fmt.Errorf("%w: unknown topic %q", wire.ErrInvalidPayload, topic)
	}

	env, overflowed, err := t.publish(kind, payload, nowSeconds())
	if err != nil {
		statsInc("InvalidPayloadsTotal", 1)
		return 0, err
	}
	statsInc("PublishedEnvelopesTotal", 1)

	// A session that could not absorb the envelope is dropped rather than
	// allowed to hold the stream back; it will resynchronize via snapshot
	// when it reconnects.
	for _, s := range overflowed {
		statsInc("QueueOverflowsTotal", 1)
		logs.Warn.Println("hub: outbound queue overflow, dropping session", s.sid)
		s.stopSession(StopQueueOverflow)
	}

	return env.Seq, nil
}

// Subscribe registers the session against all five topics and enqueues one
// snapshot envelope per topic, guaranteed to precede any delta the session
// later receives. Returns the snapshots in canonical topic order.
func (h *Hub) Subscribe(s *Session) []*wire.Envelope {
	now := nowSeconds()
	envs := make([]*wire.Envelope, 0, len(h.topics))
	for _, name := range wire.Topics() {
		envs = append(envs, h.topics[name].attach(s, now))
	}
	return envs
}

// Unsubscribe removes the session from every topic. Idempotent.
func (h *Hub) Unsubscribe(s *Session) {
	for _, t := range h.topics {
		t.detach(s)
	}
}

// showStatus is the body of the /v0/status reply.
type showStatus struct {
	Status        string           `json:"status"`
	LiveSessions  int              `json:"live_sessions"`
	TotalMessages int              `json:"total_messages"`
	Sequences     map[string]int64 `json:"sequences"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}

func (h *Hub) status(liveSessions int) *showStatus {
	seqs := make(map[string]int64, len(h.topics))
	for name, t := range h.topics {
		seqs[name] = t.sequence()
	}
	return &showStatus{
		Status:        "running",
		LiveSessions:  liveSessions,
		TotalMessages: len(h.topicGet(wire.TopicChat).chatTail(0)),
		Sequences:     seqs,
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
}
