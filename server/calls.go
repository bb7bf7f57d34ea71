/******************************************************************************
 *
 *  Description :
 *
 *    REST endpoints: liveness ping, show status, chat injection and chat
 *    history retrieval. The streaming path lives in hdl_websock.go; these
 *    handlers exist for producers and dashboards which speak plain HTTP.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/showtime-live/showtime/server/logs"
	"github.com/showtime-live/showtime/wire"
)

type apiError struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

func writeJSON(wrt http.ResponseWriter, code int, body any) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(code)
	json.NewEncoder(wrt).Encode(body)
}

func writeError(wrt http.ResponseWriter, code int, text string) {
	writeJSON(wrt, code, &apiError{Code: code, Text: text})
}

// servePing answers liveness probes.
func servePing(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(wrt, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(wrt, http.StatusOK, map[string]string{"status": "ok", "message": "showtime is live"})
}

// serveStatus reports live session count, per-topic sequence high-water
// marks and uptime.
func serveStatus(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(wrt, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(wrt, http.StatusOK, globals.hub.status(globals.sessionStore.Count()))
}

// serveChatInjection accepts a chat line over plain HTTP and publishes it
// into the chat stream. Used by producer-side tooling which has no
// websocket session of its own.
func serveChatInjection(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(wrt, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var msg wire.ChatMessage
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		writeError(wrt, http.StatusBadRequest, "malformed request body")
		return
	}
	if msg.Content == "" {
		writeError(wrt, http.StatusBadRequest, "empty content")
		return
	}
	if msg.Source == "" {
		msg.Source = "user"
	}
	if msg.Destination == "" {
		msg.Destination = wire.DestAll
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = nowSeconds()
	}

	seq, err := globals.hub.Publish(wire.TopicChat, wire.KindDelta, &wire.ChatPayload{Message: &msg})
	if err != nil {
		logs.Warn.Println("http: chat injection rejected", err)
		writeError(wrt, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(wrt, http.StatusOK, map[string]any{"status": "queued", "seq": seq, "message": &msg})
}

// serveChatHistory returns the retained tail of the chat stream, newest
// last. An optional ?limit=N trims the reply to the last N messages.
func serveChatHistory(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(wrt, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if val := req.FormValue("limit"); val != "" {
		var err error
		if limit, err = strconv.Atoi(val); err != nil || limit < 0 {
			writeError(wrt, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	history := globals.hub.topicGet(wire.TopicChat).chatTail(limit)
	writeJSON(wrt, http.StatusOK, map[string]any{"history": history})
}

func serve404(wrt http.ResponseWriter, req *http.Request) {
	writeError(wrt, http.StatusNotFound, "not found")
}
