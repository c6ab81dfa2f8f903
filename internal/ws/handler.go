package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// authRequest is the first frame a client must send after connecting.
type authRequest struct {
	Type         string `json:"type"`
	APIKey       string `json:"api_key"`
	LastSeenSeq  uint64 `json:"last_seen_seq,omitempty"`
	ServerBootID string `json:"server_boot_id,omitempty"`
}

// authOK is the server's reply to a successful auth frame.
type authOK struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	ServerBootID string `json:"server_boot_id"`
	Seq          uint64 `json:"seq"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is same-host; cross-origin access is governed by the
	// API key, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ServeHTTP upgrades /ws/chat connections, performs the auth handshake,
// replays owed frames, then streams broadcasts until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var req authRequest
	if err := conn.ReadJSON(&req); err != nil || req.Type != "auth" {
		_ = conn.WriteJSON(errorFrame{Type: FrameError, Code: "VALIDATION_ERROR", Message: "first frame must be auth"})
		return
	}
	if h.apiKey != "" && req.APIKey != h.apiKey {
		_ = conn.WriteJSON(errorFrame{Type: FrameError, Code: "UNAUTHORIZED", Message: "bad api key"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	c, replay, truncated := h.register(req.LastSeenSeq, req.ServerBootID)
	defer h.unregister(c.id)

	h.mu.Lock()
	ok := authOK{Type: FrameAuthOK, ClientID: c.id, ServerBootID: h.bootID, Seq: h.seq}
	h.mu.Unlock()
	if err := conn.WriteJSON(ok); err != nil {
		return
	}

	if truncated {
		if err := conn.WriteJSON(Frame{Type: FrameTruncated, ServerBootID: ok.ServerBootID}); err != nil {
			return
		}
	}
	for _, f := range replay {
		if err := writeFrame(conn, f); err != nil {
			return
		}
	}

	// Reader: consume control frames and client acks; closes on error.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case f, open := <-c.out:
			if !open {
				// Dropped for backpressure.
				return
			}
			if err := writeFrame(conn, f); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f *Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// ServeSSE streams frames as server-sent events: a strictly one-way feed of
// the same frames for clients that cannot hold a WebSocket.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastSeen uint64
	if q := r.URL.Query().Get("last_seen_seq"); q != "" {
		_ = json.Unmarshal([]byte(q), &lastSeen)
	}

	c, replay, truncated := h.register(lastSeen, r.URL.Query().Get("server_boot_id"))
	defer h.unregister(c.id)

	if truncated {
		writeSSE(w, &Frame{Type: FrameTruncated, ServerBootID: h.BootID()})
	}
	for _, f := range replay {
		writeSSE(w, f)
	}
	flusher.Flush()

	for {
		select {
		case f, open := <-c.out:
			if !open {
				return
			}
			writeSSE(w, f)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, f *Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("ws: encoding sse frame: %v", err)
		return
	}
	_, _ = w.Write([]byte("event: " + f.Type + "\ndata: " + string(data) + "\n\n"))
}

// ServePoll is the long-polling fallback: the client sends its last-seen
// sequence and receives any newer buffered frames, waiting briefly when
// none are pending.
func (h *Hub) ServePoll(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		_ = json.Unmarshal([]byte(q), &since)
	}

	deadline := time.Now().Add(25 * time.Second)
	var frames []*Frame
	for {
		frames = h.FramesSince(since)
		if len(frames) > 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"server_boot_id": h.BootID(),
		"frames":         frames,
	})
}
