package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/wricardo/move-car-relay/client"
	"github.com/wricardo/move-car-relay/config"
	"github.com/wricardo/move-car-relay/logging"
)

func TestConstants(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if AppName == "" {
		t.Error("AppName should not be empty")
	}

	expectedVersion := "1.0.0"
	if Version != expectedVersion {
		t.Errorf("Expected version %s, got %s", expectedVersion, Version)
	}

	expectedAppName := "Move Car Relay"
	if AppName != expectedAppName {
		t.Errorf("Expected app name %s, got %s", expectedAppName, AppName)
	}
}

func TestAppCommands(t *testing.T) {
	app := newApp()

	want := map[string]bool{"serve": false, "mcp": false, "push": false, "validate-config": false}
	for _, cmd := range app.Commands {
		if _, ok := want[cmd.Name]; ok {
			want[cmd.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("Expected command %q to be registered", name)
		}
	}
}

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard

	err := app.Run(context.Background(), append([]string{"move-car-relay"}, args...))
	return out.String(), err
}

func TestValidateConfig_FlagOverrides(t *testing.T) {
	out, err := runApp(t, "--port", "9191", "--log-format", "json", "--lazy-resolve", "validate-config")
	if err != nil {
		t.Fatalf("validate-config failed: %v", err)
	}

	for _, want := range []string{"Configuration OK", ":9191", "(json)", "lazy resolve:    true"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestValidateConfig_Invalid(t *testing.T) {
	_, err := runApp(t, "--log-format", "xml", "validate-config")
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateConfig_MissingFile(t *testing.T) {
	_, err := runApp(t, "--config", "/non/existent/relay.yaml", "validate-config")
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Errorf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestBaseURLFor(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:8080", "http://localhost:8080"},
		{"[::]:8080", "http://localhost:8080"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
	}

	for _, tt := range tests {
		addr, err := net.ResolveTCPAddr("tcp", tt.addr)
		if err != nil {
			t.Fatalf("resolve %s: %v", tt.addr, err)
		}
		if got := baseURLFor(addr); got != tt.want {
			t.Errorf("baseURLFor(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}

// startRelay serves a relay on a random loopback port until the returned
// stop function is called.
func startRelay(t *testing.T, cfg *config.Config) (string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, logging.Discard(), ln)
	}()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("serve did not return after cancel")
		}
	}
	return baseURLFor(ln.Addr()), stop
}

func TestServe_PushThroughCLI(t *testing.T) {
	base, stop := startRelay(t, config.Default())
	defer stop()

	pushArgs := []string{"push", "--url", base, "--room", "s1", "--message", "please move", "--sender", "Alice"}

	// No listener yet, so the router does not know the room.
	_, err := runApp(t, pushArgs...)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("Expected 404 APIError, got %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/rooms/s1"
	conn, _, err := gws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if frame["type"] != "welcome" {
		t.Fatalf("Expected welcome frame, got %v", frame)
	}

	out, err := runApp(t, pushArgs...)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if !strings.Contains(out, "Pushed to room s1 (1 listener(s) reached)") {
		t.Errorf("Unexpected push output: %s", out)
	}

	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frame["type"] != "reply_message" {
		t.Errorf("Expected reply_message frame, got %v", frame)
	}
	if frame["message"] != "please move" || frame["senderName"] != "Alice" {
		t.Errorf("Unexpected reply frame: %v", frame)
	}
}

func TestServe_DirectPushValidation(t *testing.T) {
	base, stop := startRelay(t, config.Default())
	defer stop()

	resp, err := http.Post(base+"/rooms/s2/api/push-reply", "application/json",
		strings.NewReader(`{"message":"","senderName":"Alice"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "missing required fields" {
		t.Errorf("Unexpected error body: %v", body)
	}
}

func TestServe_Metrics(t *testing.T) {
	base, stop := startRelay(t, config.Default())
	defer stop()

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "go_goroutines") {
		t.Error("Expected Go runtime metrics to be exposed")
	}
}

func TestRelayReachable(t *testing.T) {
	base, stop := startRelay(t, config.Default())
	defer stop()

	if !relayReachable(context.Background(), base) {
		t.Errorf("Expected relay at %s to be reachable", base)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := baseURLFor(ln.Addr())
	ln.Close()

	if relayReachable(context.Background(), closed) {
		t.Errorf("Expected closed address %s to be unreachable", closed)
	}
}
