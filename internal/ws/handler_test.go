package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T, h *Hub, req authRequest) (*websocket.Conn, authOK) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req.Type = "auth"
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	var ok authOK
	if err := conn.ReadJSON(&ok); err != nil {
		t.Fatalf("reading auth reply: %v", err)
	}
	return conn, ok
}

func TestHandshakeAndBroadcast(t *testing.T) {
	h := NewHub("sekrit", 64)
	conn, ok := dialTestHub(t, h, authRequest{APIKey: "sekrit"})
	if ok.Type != FrameAuthOK || ok.ClientID == "" || ok.ServerBootID == "" {
		t.Fatalf("auth reply = %+v", ok)
	}

	h.Broadcast(FrameChatMessage, map[string]string{"body": "hi"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if f.Type != FrameChatMessage || f.Seq == 0 || f.ServerBootID != ok.ServerBootID {
		t.Fatalf("frame = %+v", f)
	}
}

func TestHandshakeRejectsBadKey(t *testing.T) {
	h := NewHub("sekrit", 64)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(authRequest{Type: "auth", APIKey: "wrong"}); err != nil {
		t.Fatal(err)
	}
	var reply errorFrame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Code != "UNAUTHORIZED" {
		t.Fatalf("reply = %+v", reply)
	}
}

// TestReconnectReplaysMissedFrames drives the full S5 flow over a real
// socket: disconnect at seq N, miss 5 frames, reconnect and receive exactly
// those 5 before anything new.
func TestReconnectReplaysMissedFrames(t *testing.T) {
	h := NewHub("", 64)

	conn, ok := dialTestHub(t, h, authRequest{})
	h.Broadcast(FrameChatMessage, "seen")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var seen Frame
	if err := conn.ReadJSON(&seen); err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	// Five frames missed while disconnected.
	for i := 0; i < 5; i++ {
		h.Broadcast(FrameChatMessage, i)
	}

	conn2, _ := dialTestHub(t, h, authRequest{
		LastSeenSeq:  seen.Seq,
		ServerBootID: ok.ServerBootID,
	})

	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		var f Frame
		if err := conn2.ReadJSON(&f); err != nil {
			t.Fatalf("reading replay frame %d: %v", i, err)
		}
		if want := seen.Seq + uint64(i) + 1; f.Seq != want {
			t.Fatalf("replay frame %d seq = %d, want %d", i, f.Seq, want)
		}
	}

	// New frames arrive only after the replay.
	h.Broadcast(FrameChatMessage, "fresh")
	var f Frame
	if err := conn2.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Payload != "fresh" {
		t.Fatalf("post-replay payload = %v", f.Payload)
	}
}

func TestSSEStreamsFrames(t *testing.T) {
	h := NewHub("", 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeSSE(rec, req)
	}()

	// Wait for the subscriber to register, then broadcast.
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Broadcast(FrameAnnouncement, map[string]string{"body": "ship it"})

	// End the stream before inspecting the recorder.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if !strings.Contains(body, "event: announcement") || !strings.Contains(body, "data: ") {
		t.Fatalf("sse body = %q", body)
	}
}
