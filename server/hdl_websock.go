/******************************************************************************
 *
 *  Description :
 *
 *    Handler of websocket connections: upgrade, per-session read and write
 *    loops, liveness pings.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/showtime-live/showtime/server/logs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = idleSessionTimeout

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

func (s *Session) closeWS() {
	s.ws.Close()
}

func (s *Session) readLoop() {
	defer func() {
		s.closeWS()
		s.cleanUp()
	}()

	s.ws.SetReadLimit(globals.maxMessageSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				logs.Err.Println("ws: readLoop", s.sid, err)
			}
			return
		}
		statsInc("IncomingMessagesWebsockTotal", 1)
		s.dispatchRaw(raw)
	}
}

func (s *Session) sendMessage(msg []byte) bool {
	if err := wsWrite(s.ws, websocket.TextMessage, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			logs.Err.Println("ws: writeLoop", s.sid, err)
		}
		return false
	}
	statsInc("OutgoingMessagesWebsockTotal", 1)
	return true
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		s.markClosing()
		// Break readLoop.
		s.closeWS()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				// Channel closed.
				return
			}
			if !s.sendMessage(s.serialize(env)) {
				return
			}
			s.noteSent(env)

		case reason := <-s.halt:
			// Shutdown requested; don't care if the close frame is delivered.
			code := websocket.CloseNormalClosure
			if reason == StopQueueOverflow {
				code = websocket.CloseTryAgainLater
			}
			wsWrite(s.ws, websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			return

		case <-ticker.C:
			if err := wsWrite(s.ws, websocket.PingMessage, nil); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
					websocket.CloseNormalClosure) {
					logs.Err.Println("ws: writeLoop ping", s.sid, err)
				}
				return
			}
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, msg []byte) error {
	if msg == nil {
		msg = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, msg)
}

// Handles websocket requests from peers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow connections from any Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		wrt.WriteHeader(http.StatusMethodNotAllowed)
		logs.Err.Println("ws: invalid HTTP method", req.Method)
		return
	}

	ws, err := upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to upgrade", err)
		return
	}

	sess, count := globals.sessionStore.NewSession(ws, req.RemoteAddr, req.UserAgent())

	logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr, count)

	// Snapshots are queued before the writer starts, so they are flushed
	// ahead of any delta the hub fans out after this point.
	globals.hub.Subscribe(sess)
	sess.markActive()

	// Do work in goroutines to return from serveWebSocket() and release
	// the handler's file pointers.
	go sess.writeLoop()
	go sess.readLoop()
}
