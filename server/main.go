/******************************************************************************
 *
 *  Description :
 *
 *    Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"

	"github.com/showtime-live/showtime/server/logs"
	"github.com/showtime-live/showtime/wire"
)

const (
	// idleSessionTimeout defines duration of being idle (no pong replies)
	// before the session is terminated.
	idleSessionTimeout = time.Second * 55

	// defaultSendQueueLimit is the capacity of a session's outbound queue
	// when the config does not override it.
	defaultSendQueueLimit = 100

	// Default number of retained chat messages and memory log entries.
	defaultChatHistoryCap   = 50
	defaultMemoryHistoryCap = 50

	// defaultMaxMessageSize is the maximum accepted size of an inbound
	// client frame in bytes.
	defaultMaxMessageSize = 1 << 17 // 128K

	currentVersion = "0.2"
)

var globals struct {
	// Broadcast hub, the single source of truth for stream state.
	hub *Hub

	// Runtime collection of live sessions.
	sessionStore *SessionStore

	// Channel for asynchronous expvar updates, nil if stats are disabled.
	statsUpdate chan *varUpdate

	// Maximum size of an inbound websocket frame.
	maxMessageSize int64

	// Capacity of a session's outbound queue.
	sendQueueLimit int
}

type configType struct {
	// HTTP(S) address:port to listen on.
	Listen string `json:"listen"`
	// URL path for exposing runtime stats, disabled if empty.
	ExpvarPath string `json:"expvar"`
	// Maximum message size allowed from a client, in bytes.
	MaxMessageSize int `json:"max_message_size"`
	// Maximum number of undelivered envelopes queued per session.
	SendQueueLimit int `json:"send_queue_limit"`
	// Number of chat messages retained for replay-on-connect.
	ChatHistoryCap int `json:"chat_history_cap"`
	// Number of memory log entries retained per character.
	MemoryHistoryCap int `json:"memory_history_cap"`
	// Worker ID for the session ID generator, 0-1023.
	WorkerID uint `json:"worker_id"`
	// Configuration of the HTTPS listener.
	TLS tlsConfig `json:"tls"`
}

func main() {
	executable, _ := os.Executable()
	logs.Info.Printf("Server v%s pid %d started with processes: %d", currentVersion, os.Getpid(),
		runtime.GOMAXPROCS(runtime.NumCPU()))
	logs.Info.Println("Executable:", executable)

	var configfile = flag.String("config", "./showtime.conf", "Path to config file.")
	// Path to static content.
	var staticPath = flag.String("static_data", "", "Path to directory with static files to be served.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	var expvarPath = flag.String("expvar", "", "Override the URL path where runtime stats are exposed. Use '-' to disable.")
	var seedShow = flag.Bool("sample_data", false, "Publish a sample scene and narrative arcs at startup.")
	flag.Parse()

	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatalln("Failed to read config file:", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatalln("Failed to parse config file:", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = ":8080"
	}
	if *expvarPath != "" {
		config.ExpvarPath = *expvarPath
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.SendQueueLimit <= 0 {
		config.SendQueueLimit = defaultSendQueueLimit
	}
	if config.ChatHistoryCap <= 0 {
		config.ChatHistoryCap = defaultChatHistoryCap
	}
	if config.MemoryHistoryCap <= 0 {
		config.MemoryHistoryCap = defaultMemoryHistoryCap
	}

	globals.maxMessageSize = int64(config.MaxMessageSize)
	globals.sendQueueLimit = config.SendQueueLimit

	mux := http.NewServeMux()

	// Exposing values for statistics and monitoring. Must be done before the
	// hub and the session store register their variables.
	statsInit(mux, config.ExpvarPath)

	var err error
	globals.sessionStore, err = NewSessionStore(uint32(config.WorkerID))
	if err != nil {
		logs.Err.Fatalln("Failed to initialize session store:", err)
	}
	globals.hub = newHub(config.ChatHistoryCap, config.MemoryHistoryCap)

	if *seedShow {
		publishSampleShow()
	}

	// Serve static content from the directory in -static_data flag if
	// provided, otherwise from ./static next to the current dir.
	if *staticPath == "" {
		path, err := os.Getwd()
		if err != nil {
			logs.Err.Fatalln(err)
		}
		*staticPath = path + "/static"
	}
	mux.Handle("/x/", http.StripPrefix("/x/", http.FileServer(http.Dir(*staticPath))))

	// Streaming channel: all five topics multiplexed over one websocket.
	mux.HandleFunc("/v0/channels", serveWebSocket)

	// Plain HTTP API for producers and dashboards.
	mux.HandleFunc("/v0/ping", servePing)
	mux.HandleFunc("/v0/status", serveStatus)
	mux.HandleFunc("/v0/chat", serveChatInjection)
	mux.HandleFunc("/v0/chat/history", serveChatHistory)

	mux.HandleFunc("/", serve404)

	if err := listenAndServe(config.Listen, handlers.CombinedLoggingHandler(os.Stdout, mux),
		config.TLS, signalHandler()); err != nil {
		logs.Err.Fatalln(err)
	}
	logs.Info.Println("All done, good bye")
}

// publishSampleShow seeds the streams with an opening scene, neutral moods
// and a pair of narrative arcs so a fresh install has something to replay.
func publishSampleShow() {
	scene := &wire.Scene{
		Theme:            "late-night diner, rain outside",
		EmotionalTone:    "wistful",
		ActiveCharacters: []string{"ava", "marcus"},
		TriggerIDs:       []string{"opening"},
	}
	mood := wire.MoodPayload{"ava": "calm", "marcus": "restless"}
	arcs := wire.NarrativePayload{
		{
			ArcID:        "arc-001",
			Title:        "The Letter",
			Description:  "Ava decides whether to open the letter she has carried for a week.",
			Status:       wire.ArcActive,
			CurrentPhase: "setup",
			Progress:     0.1,
		},
		{
			ArcID:       "arc-002",
			Title:       "Closing Time",
			Description: "Marcus keeps the diner open long past closing for a guest who never arrives.",
			Status:      wire.ArcPending,
		},
	}

	if _, err := globals.hub.Publish(wire.TopicScene, wire.KindDelta, scene); err != nil {
		logs.Warn.Println("sample data: scene rejected", err)
	}
	if _, err := globals.hub.Publish(wire.TopicMood, wire.KindDelta, mood); err != nil {
		logs.Warn.Println("sample data: mood rejected", err)
	}
	if _, err := globals.hub.Publish(wire.TopicNarrative, wire.KindDelta, arcs); err != nil {
		logs.Warn.Println("sample data: narrative rejected", err)
	}
	logs.Info.Println("sample data: published opening scene")
}
