/******************************************************************************
 *
 *  Description :
 *
 *    Handling of viewer sessions. Each session represents one connected
 *    viewer: its subscription to the five topics, its bounded outbound
 *    queue and its delivery state machine.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/showtime-live/showtime/server/logs"
	"github.com/showtime-live/showtime/wire"
)

// Session delivery states. Transitions only move forward; nothing leaves
// sessClosed.
const (
	sessConnecting int32 = iota
	sessActive
	sessClosing
	sessClosed
)

// Reasons for stopping a session.
const (
	StopShutdown = iota
	StopQueueOverflow
	StopTransportError
	StopClientRequest
)

// Session is the server-side representative of one connected viewer.
type Session struct {
	// Websocket connection.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// User agent string provided at upgrade time.
	userAgent string

	// Outbound envelopes, buffered. Drained by a dedicated writer loop.
	send chan *wire.Envelope

	// Channel for shutting down the session, buffered at 1.
	halt chan int

	// Delivery state, one of the sess* constants. Updated atomically.
	status int32

	// Last sequence written per topic. Diagnostics only: delivery is
	// push-driven by the hub, never gated on these.
	lastSent     map[string]int64
	lastSentLock sync.Mutex

	// Session ID.
	sid string
}

func (s *Session) currentStatus() int32 {
	return atomic.LoadInt32(&s.status)
}

// markActive flips connecting -> active after subscribe + snapshot flush.
func (s *Session) markActive() bool {
	return atomic.CompareAndSwapInt32(&s.status, sessConnecting, sessActive)
}

// markClosing moves the session into closing from any live state.
// Returns false if it was already closing or closed.
func (s *Session) markClosing() bool {
	for {
		old := atomic.LoadInt32(&s.status)
		if old >= sessClosing {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.status, old, sessClosing) {
			return true
		}
	}
}

// queueOut attempts to enqueue an envelope for delivery. If the send buffer
// stays full for 50 usec the attempt is abandoned and false is returned so
// the caller can drop the session.
func (s *Session) queueOut(env *wire.Envelope) bool {
	if s == nil {
		return true
	}
	if s.currentStatus() >= sessClosing {
		// Session is on its way out; new envelopes are not accepted.
		return true
	}

	select {
	case s.send <- env:
	case <-time.After(time.Microsecond * 50):
		logs.Warn.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// stopSession requests the writer loop to terminate the session. Effective
// immediately for future envelopes; the transport unwinds asynchronously.
func (s *Session) stopSession(reason int) {
	if !s.markClosing() {
		return
	}
	select {
	case s.halt <- reason:
	default:
	}
}

// cleanUp detaches the session from the hub and the session store. Runs on
// every exit path; idempotent via the closed terminal state.
func (s *Session) cleanUp() {
	s.markClosing()
	globals.hub.Unsubscribe(s)
	globals.sessionStore.Delete(s)
	atomic.StoreInt32(&s.status, sessClosed)
}

func (s *Session) noteSent(env *wire.Envelope) {
	s.lastSentLock.Lock()
	s.lastSent[env.Type] = env.Seq
	s.lastSentLock.Unlock()
}

func (s *Session) lastSentSeq(topic string) int64 {
	s.lastSentLock.Lock()
	defer s.lastSentLock.Unlock()
	return s.lastSent[topic]
}

// ClientComMessage is a message received from a viewer. The only request a
// viewer may make over the broadcast channel is injecting a user chat line
// into the producer side.
type ClientComMessage struct {
	Chat *wire.ChatMessage `json:"chat"`
}

// dispatchRaw decodes an inbound client message. A malformed message is
// logged and discarded; it is not fatal to the connection.
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logs.Warn.Println("s.dispatch: malformed message", s.sid, err)
		return
	}
	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	switch {
	case msg.Chat != nil:
		m := *msg.Chat
		if m.Source == "" {
			m.Source = "user"
		}
		if m.Destination == "" {
			m.Destination = wire.DestAll
		}
		if m.Timestamp == 0 {
			m.Timestamp = nowSeconds()
		}
		if _, err := globals.hub.Publish(wire.TopicChat, wire.KindDelta, &wire.ChatPayload{Message: &m}); err != nil {
			logs.Warn.Println("s.dispatch: chat rejected", s.sid, err)
		}

	default:
		logs.Warn.Println("s.dispatch: unknown message", s.sid)
	}
}

func (s *Session) serialize(env *wire.Envelope) []byte {
	out, _ := wire.Encode(env)
	return out
}
