/******************************************************************************
 *
 *  Description :
 *
 *    Registry of live sessions.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/gorilla/websocket"
	sf "github.com/tinode/snowflake"

	"github.com/showtime-live/showtime/server/logs"
	"github.com/showtime-live/showtime/wire"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	// All sessions indexed by session ID.
	sessCache map[string]*Session

	// Unique session ID generator.
	seq *sf.SnowFlake
}

// NewSessionStore initializes a session store.
func NewSessionStore(workerID uint32) (*SessionStore, error) {
	seq, err := sf.NewSnowFlake(workerID)
	if err != nil {
		return nil, err
	}

	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")

	return &SessionStore{
		sessCache: make(map[string]*Session),
		seq:       seq,
	}, nil
}

// NewSession creates a new session and saves it to the store.
func (ss *SessionStore) NewSession(conn *websocket.Conn, remoteAddr, userAgent string) (*Session, int) {
	s := &Session{
		ws:         conn,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		send:       make(chan *wire.Envelope, globals.sendQueueLimit),
		halt:       make(chan int, 1),
		status:     sessConnecting,
		lastSent:   make(map[string]int64, len(wire.Topics())),
		sid:        ss.nextSID(),
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsInc("LiveSessions", 1)
	statsInc("TotalSessions", 1)

	return s, count
}

// Get fetches a session from the store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.sessCache[sid]
}

// Delete removes a session from the store. Returns the number of sessions
// left. Safe to call more than once for the same session.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, ok := ss.sessCache[s.sid]; ok {
		delete(ss.sessCache, s.sid)
		statsInc("LiveSessions", -1)
	}
	return len(ss.sessCache)
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.sessCache)
}

// Shutdown terminates all sessions.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	count := len(ss.sessCache)
	sessions := make([]*Session, 0, count)
	for _, s := range ss.sessCache {
		sessions = append(sessions, s)
	}
	ss.lock.Unlock()

	for _, s := range sessions {
		s.stopSession(StopShutdown)
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", count)
}

// nextSID generates a unique session ID from the snowflake sequence.
func (ss *SessionStore) nextSID() string {
	id, err := ss.seq.Next()
	if err != nil {
		logs.Err.Println("sessionstore: failed to generate session id", err)
		return ""
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return base64.RawURLEncoding.EncodeToString(buf)
}
