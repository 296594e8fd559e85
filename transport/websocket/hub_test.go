package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wricardo/move-car-relay/logging"
	"github.com/wricardo/move-car-relay/relay/channel"
	"github.com/wricardo/move-car-relay/relay/protocol"
	"github.com/wricardo/move-car-relay/relay/registry"
)

func registryAttach(reg *registry.Registry) AttachFunc {
	return func(roomID string, conn channel.Conn) (Room, error) {
		return reg.Attach(roomID, conn)
	}
}

func newTestServer(t *testing.T, attach AttachFunc, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	opts.Logger = logging.Discard()
	hub := NewHub(attach, opts)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("roomId"))
	}))
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?roomId=" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Frame is not a single JSON object: %s", data)
	}
	return frame
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, Options{})

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Hub register channels are nil")
	}
	if hub.sendBuffer != defaultSendBuffer {
		t.Errorf("Expected default send buffer %d, got %d", defaultSendBuffer, hub.sendBuffer)
	}
	if hub.maxMessageSize != defaultMaxMessageSize {
		t.Errorf("Expected default max message size %d, got %d", defaultMaxMessageSize, hub.maxMessageSize)
	}
}

func TestClientSend(t *testing.T) {
	client := &Client{
		id:   "c1",
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}

	if err := client.Send([]byte("one")); err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if err := client.Send([]byte("two")); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("Expected ErrSendQueueFull, got %v", err)
	}

	select {
	case <-client.done:
	default:
		t.Error("Client with a full queue should be closed")
	}

	if err := client.Send([]byte("three")); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Expected ErrClientClosed, got %v", err)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list allows all", nil, "https://evil.example", true},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"case-insensitive", []string{"https://APP.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"no origin header", []string{"https://app.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := checkOrigin(tt.allowed)(req); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWebSocketSession(t *testing.T) {
	reg := registry.New(registry.Options{Logger: logging.Discard()})
	defer reg.Close()
	hub, server := newTestServer(t, registryAttach(reg), Options{})

	conn := dial(t, server, "ws-test")

	welcome := readFrame(t, conn)
	if welcome["type"] != "welcome" || welcome["roomId"] != "ws-test" {
		t.Errorf("Unexpected welcome frame: %v", welcome)
	}
	waitFor(t, func() bool { return hub.Count() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	joined := readFrame(t, conn)
	if joined["type"] != "room_joined" || joined["roomId"] != "ws-test" {
		t.Errorf("Unexpected room_joined frame: %v", joined)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" || errFrame["message"] != "message format error" {
		t.Errorf("Unexpected error frame: %v", errFrame)
	}

	ch, err := reg.Get("ws-test")
	if err != nil {
		t.Fatalf("Channel not registered: %v", err)
	}
	resp := ch.HandlePush(context.Background(), protocol.PushEnvelope{Message: "move now", SenderName: "Alice"})
	if resp.Status != http.StatusOK {
		t.Fatalf("Push failed with status %d", resp.Status)
	}
	reply := readFrame(t, conn)
	if reply["type"] != "reply_message" || reply["message"] != "move now" {
		t.Errorf("Unexpected reply frame: %v", reply)
	}

	conn.Close()

	waitFor(t, func() bool {
		snap, ok := ch.Snapshot()
		return ok && len(snap.Members) == 0
	})
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestWebSocketFramesAreNotBatched(t *testing.T) {
	reg := registry.New(registry.Options{Logger: logging.Discard()})
	defer reg.Close()
	_, server := newTestServer(t, registryAttach(reg), Options{})

	conn := dial(t, server, "batch")
	readFrame(t, conn)

	ch, _ := reg.Get("batch")
	for i := 0; i < 5; i++ {
		ch.HandlePush(context.Background(), protocol.PushEnvelope{Message: "m", SenderName: "s"})
	}
	for i := 0; i < 5; i++ {
		if frame := readFrame(t, conn); frame["type"] != "reply_message" {
			t.Errorf("Frame %d: unexpected type %v", i, frame["type"])
		}
	}
}

func TestWebSocketAttachError(t *testing.T) {
	attach := func(roomID string, conn channel.Conn) (Room, error) {
		return nil, errors.New("no such room")
	}
	hub, server := newTestServer(t, attach, Options{})

	conn := dial(t, server, "nope")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed")
	}
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func TestWebSocketRejectsOrigin(t *testing.T) {
	reg := registry.New(registry.Options{Logger: logging.Discard()})
	defer reg.Close()
	_, server := newTestServer(t, registryAttach(reg), Options{AllowedOrigins: []string{"https://app.example"}})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?roomId=o"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("Expected the upgrade to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %v", resp)
	}
	if reg.Count() != 0 {
		t.Error("Rejected upgrade must not create a channel")
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	reg := registry.New(registry.Options{Logger: logging.Discard()})
	defer reg.Close()
	hub, server := newTestServer(t, registryAttach(reg), Options{})

	conn := dial(t, server, "stop")
	readFrame(t, conn)
	waitFor(t, func() bool { return hub.Count() == 1 })

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after Stop")
	}

	ch, _ := reg.Get("stop")
	waitFor(t, func() bool {
		snap, ok := ch.Snapshot()
		return ok && len(snap.Members) == 0
	})
}

func TestIsUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/rooms/s1", nil)
	if IsUpgrade(req) {
		t.Error("Plain request reported as upgrade")
	}

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !IsUpgrade(req) {
		t.Error("Upgrade request not detected")
	}
}
