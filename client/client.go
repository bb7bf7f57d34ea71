// Package client implements a viewer-side connection manager for the
// showtime broadcast server: it dials the websocket channel, keeps a typed
// replica of the five streams, reconnects with capped linear backoff and
// lets the application inject user chat lines.
package client

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/showtime-live/showtime/wire"
)

var (
	// ErrClosed: the manager was shut down with Close.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected: no live connection to send on.
	ErrNotConnected = errors.New("client: not connected")
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	defaultMaxAttempts = 10

	defaultChatHistoryCap   = 50
	defaultMemoryHistoryCap = 50

	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// Config is the connection manager configuration. Zero values fall back to
// the documented defaults.
type Config struct {
	// URL of the streaming endpoint, e.g. "ws://localhost:8080/v0/channels".
	URL string

	// BaseDelay is the backoff unit: retry attempt n (0-based) waits
	// BaseDelay*(n+1), capped at MaxDelay. Default 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default 5s.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failed attempts after which
	// the manager gives up for good. Default 10.
	MaxAttempts int

	// Number of chat messages and per-character memory entries retained in
	// the local replica. Defaults match the server.
	ChatHistoryCap   int
	MemoryHistoryCap int

	// ErrorLog is the destination for connection diagnostics. Defaults to
	// stderr.
	ErrorLog *log.Logger
}

// Listener is invoked after an envelope changed the local replica. Called
// from the read loop: do not block, and use the State getters rather than
// retaining the payload.
type Listener func(topic, kind string)

// Manager owns one logical connection to the server.
type Manager struct {
	cfg   Config
	state *State

	dialer *websocket.Dialer

	mu        sync.Mutex
	ws        *websocket.Conn
	attempt   int
	retry     *time.Timer
	closed    bool
	exhausted bool
	listeners []Listener
}

// New creates a manager. Start must be called to establish the connection.
func New(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: missing URL")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ChatHistoryCap <= 0 {
		cfg.ChatHistoryCap = defaultChatHistoryCap
	}
	if cfg.MemoryHistoryCap <= 0 {
		cfg.MemoryHistoryCap = defaultMemoryHistoryCap
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = log.New(os.Stderr, "showtime: ", log.LstdFlags)
	}

	return &Manager{
		cfg:    cfg,
		state:  newState(cfg.ChatHistoryCap, cfg.MemoryHistoryCap),
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}, nil
}

// State returns the typed local replica. Safe for concurrent use.
func (m *Manager) State() *State {
	return m.state
}

// OnStateChange registers a listener for replica updates.
func (m *Manager) OnStateChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start dials the server. If the first attempt fails the manager keeps
// retrying in the background with backoff; Start itself only fails on
// misuse.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	if err := m.connect(); err != nil {
		m.cfg.ErrorLog.Println("connect:", err)
		m.scheduleReconnect()
	}
	return nil
}

// Close shuts the manager down. No reconnects after this.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if ws != nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	}
	return nil
}

// Connected reports whether a live connection exists right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ws != nil
}

// Exhausted reports whether the manager gave up after MaxAttempts
// consecutive failures.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// SendChat injects a user chat line. Destination defaults to "all".
func (m *Manager) SendChat(content, destination string) error {
	if destination == "" {
		destination = wire.DestAll
	}
	body, err := json.Marshal(map[string]any{
		"chat": &wire.ChatMessage{
			Source:      "user",
			Destination: destination,
			Content:     content,
			Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		},
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	ws := m.ws
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, body)
}

// connect performs one dial attempt and, on success, starts the read loop.
func (m *Manager) connect() error {
	ws, _, err := m.dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	// Success resets the failure counter; cursors reset so the incoming
	// snapshots are accepted regardless of what the previous connection saw.
	m.attempt = 0
	m.ws = ws
	m.mu.Unlock()

	m.state.resetCursors()

	go m.readLoop(ws)
	return nil
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(ws, err)
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			// A malformed envelope is dropped, not fatal to the connection.
			m.cfg.ErrorLog.Println("decode:", err)
			continue
		}

		if m.state.apply(env) {
			m.notify(env.Type, env.Kind)
		}
	}
}

func (m *Manager) notify(topic, kind string) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(topic, kind)
	}
}

func (m *Manager) handleDisconnect(ws *websocket.Conn, err error) {
	ws.Close()

	m.mu.Lock()
	if m.closed || m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.cfg.ErrorLog.Println("connection lost:", err)
	}
	m.scheduleReconnect()
}

// backoffDelay returns the wait before retry attempt n (0-based).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BaseDelay * time.Duration(attempt+1)
	if delay > m.cfg.MaxDelay {
		delay = m.cfg.MaxDelay
	}
	return delay
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.retry != nil {
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		m.exhausted = true
		m.cfg.ErrorLog.Printf("disconnected, not retrying after %d attempts", m.attempt)
		return
	}

	delay := m.backoffDelay(m.attempt)
	m.attempt++
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retry = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.connect(); err != nil {
			m.cfg.ErrorLog.Println("reconnect:", err)
			m.scheduleReconnect()
		}
	})
}
