// Package ws delivers real-time frames to UI clients over WebSocket, with
// SSE and long-polling fallbacks.
package ws

import (
	"sync"

	"github.com/google/uuid"

	"github.com/LupusDei/adjutant/internal/bridge"
	"github.com/LupusDei/adjutant/internal/bus"
	"github.com/LupusDei/adjutant/internal/store"
)

// Frame types broadcast to clients.
const (
	FrameChatMessage  = "chat_message"
	FrameTyping       = "typing"
	FrameProgress     = "agent_progress"
	FrameAnnouncement = "announcement"
	FrameSessionOut   = "session_output"
	FrameSessionRaw   = "session_raw"
	FrameSessionStat  = "session_status"
	FrameSessionPerm  = "session_permission"
	FrameSessionEnd   = "session_ended"
	FrameTruncated    = "replay:truncated"
	FrameAuthOK       = "auth_ok"
	FrameError        = "error"
)

// Frame is one sequenced broadcast unit. Seq is monotonically increasing
// per server boot; ServerBootID lets clients detect restarts.
type Frame struct {
	Type         string `json:"type"`
	Seq          uint64 `json:"seq"`
	ServerBootID string `json:"server_boot_id"`
	Payload      any    `json:"payload,omitempty"`
}

// client is one connected consumer with a bounded outbound queue.
type client struct {
	id  string
	out chan *Frame
}

// Hub assigns sequence numbers, keeps the replay ring, and fans frames out
// to connected clients. Slow clients are disconnected rather than allowed
// to block the fanout.
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	bootID  string
	ring    []*Frame
	ringCap int
	clients map[string]*client

	apiKey string
	outCap int
}

// NewHub creates a hub with the given replay ring capacity.
func NewHub(apiKey string, replayCap int) *Hub {
	if replayCap <= 0 {
		replayCap = 1024
	}
	return &Hub{
		bootID:  uuid.NewString(),
		ringCap: replayCap,
		clients: make(map[string]*client),
		apiKey:  apiKey,
		outCap:  256,
	}
}

// BootID returns this server boot's identifier.
func (h *Hub) BootID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bootID
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Broadcast assigns the next sequence number, records the frame in the
// replay ring, and queues it to every client. Clients whose outbound queue
// is full are dropped.
func (h *Hub) Broadcast(frameType string, payload any) *Frame {
	h.mu.Lock()
	h.seq++
	f := &Frame{Type: frameType, Seq: h.seq, ServerBootID: h.bootID, Payload: payload}
	if len(h.ring) == h.ringCap {
		copy(h.ring, h.ring[1:])
		h.ring = h.ring[:len(h.ring)-1]
	}
	h.ring = append(h.ring, f)

	var dropped []string
	for id, c := range h.clients {
		select {
		case c.out <- f:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		c := h.clients[id]
		delete(h.clients, id)
		close(c.out)
	}
	h.mu.Unlock()
	return f
}

// register adds a client and returns its outbound channel plus any replay
// frames owed. truncated is set when the client's last-seen position is
// unknown or fell out of the ring: the client must do a fresh REST fetch.
func (h *Hub) register(lastSeenSeq uint64, clientBootID string) (c *client, replay []*Frame, truncated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c = &client{id: uuid.NewString(), out: make(chan *Frame, h.outCap)}
	h.clients[c.id] = c

	if clientBootID != h.bootID {
		// Different boot (or first connect): sequences reset; a non-zero
		// last-seen from an old boot means history is unreachable.
		truncated = clientBootID != "" && lastSeenSeq > 0
		return c, nil, truncated
	}
	if lastSeenSeq >= h.seq {
		return c, nil, false
	}
	// Oldest retained frame decides whether the gap is replayable.
	if len(h.ring) == 0 || h.ring[0].Seq > lastSeenSeq+1 {
		return c, nil, true
	}
	for _, f := range h.ring {
		if f.Seq > lastSeenSeq {
			replay = append(replay, f)
		}
	}
	return c, replay, false
}

// unregister removes a client.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.out)
	}
}

// FramesSince returns ring frames with seq > since. Used by the long-poll
// fallback.
func (h *Hub) FramesSince(since uint64) []*Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Frame
	for _, f := range h.ring {
		if f.Seq > since {
			out = append(out, f)
		}
	}
	return out
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Pump subscribes to the event bus and translates events into frames until
// the subscription closes. Run it on its own goroutine.
func (h *Hub) Pump(b *bus.Bus) {
	sub := b.Subscribe(
		bus.EventMessageCreated,
		bus.EventStatusChanged,
		bus.EventProgress,
		bus.EventAnnouncement,
		bus.EventSessionOutput,
		bus.EventSessionStatus,
		bus.EventSessionPerm,
		bus.EventSessionEnded,
	)
	defer sub.Close()

	for ev := range sub.C() {
		switch ev.Name {
		case bus.EventMessageCreated:
			if m, ok := ev.Payload.(*store.Message); ok && m.Role == store.RoleAnnouncement {
				// agent:announcement carries it; avoid double frames
				continue
			}
			h.Broadcast(FrameChatMessage, ev.Payload)
		case bus.EventStatusChanged:
			h.Broadcast(FrameTyping, ev.Payload)
		case bus.EventProgress:
			h.Broadcast(FrameProgress, ev.Payload)
		case bus.EventAnnouncement:
			h.Broadcast(FrameAnnouncement, ev.Payload)
		case bus.EventSessionOutput:
			if out, ok := ev.Payload.(*bridge.SessionOutput); ok && out.Raw != "" {
				h.Broadcast(FrameSessionRaw, ev.Payload)
			} else {
				h.Broadcast(FrameSessionOut, ev.Payload)
			}
		case bus.EventSessionStatus:
			h.Broadcast(FrameSessionStat, ev.Payload)
		case bus.EventSessionPerm:
			h.Broadcast(FrameSessionPerm, ev.Payload)
		case bus.EventSessionEnded:
			h.Broadcast(FrameSessionEnd, ev.Payload)
		}
	}
}
