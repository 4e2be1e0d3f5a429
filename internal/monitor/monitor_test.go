package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftsync/driftsync/internal/syncer"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestClientReceivesEvents(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, s.Addr(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	want := syncer.Event{Kind: syncer.EventMutation, Op: "create", EntityID: "n1", User: "alice"}
	s.Emit(want)

	select {
	case got := <-c.Events():
		if got.Kind != want.Kind || got.Op != want.Op || got.EntityID != want.EntityID {
			t.Errorf("event = %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventsFanOutToAllClients(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	quiet := log.New(io.Discard, "", 0)
	c1, err := Dial(ctx, s.Addr(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := Dial(ctx, s.Addr(), quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	if got := s.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	s.Emit(syncer.Event{Kind: syncer.EventSession, Op: "auth"})
	for i, c := range []*Client{c1, c2} {
		select {
		case got := <-c.Events():
			if got.Op != "auth" {
				t.Errorf("client %d: Op = %q, want auth", i, got.Op)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("client %d: timed out", i)
		}
	}
}

func TestIncompatibleProtocolRejected(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws?protocol=v2.0.0", s.Addr())
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial with incompatible protocol succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol string `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body.Status != "ok" || body.Protocol != Protocol {
		t.Errorf("health = %+v", body)
	}
}

func TestServerStopClosesClients(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, s.Addr(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected closed event channel after server stop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client shutdown")
	}
}
