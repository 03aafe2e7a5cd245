package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func startHub(t *testing.T) (*chanBus, *httptest.Server) {
	t.Helper()
	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, Config{Channel: "run", Mode: "paper", Active: func() int { return 2 }},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return bus, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func event(symbol string) []byte {
	data, _ := json.Marshal(domain.RunEvent{Type: domain.RunEventStarted, RunID: "r-" + symbol, Symbol: symbol})
	return data
}

func TestHubHelloAndRelay(t *testing.T) {
	bus, ts := startHub(t)
	conn := dial(t, ts)

	hello := readJSON(t, conn)
	if hello["type"] != "hub_status" {
		t.Fatalf("hello = %v", hello)
	}
	if p := hello["payload"].(map[string]any); p["active_runs"] != float64(2) || p["mode"] != "paper" {
		t.Fatalf("hello payload = %v", p)
	}

	bus.ch <- event("BTC/USDT")
	got := readJSON(t, conn)
	if got["run_id"] != "r-BTC/USDT" {
		t.Fatalf("event = %v", got)
	}
}

func TestHubSymbolSubscription(t *testing.T) {
	bus, ts := startHub(t)
	conn := dial(t, ts)
	readJSON(t, conn) // hello

	if err := conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{allRuns}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"run:ETH/USDT"}}); err != nil {
		t.Fatal(err)
	}
	// Give the read pump time to apply both messages.
	time.Sleep(50 * time.Millisecond)

	bus.ch <- []byte("not json")
	bus.ch <- event("BTC/USDT")
	bus.ch <- event("ETH/USDT")

	got := readJSON(t, conn)
	if got["symbol"] != "ETH/USDT" {
		t.Fatalf("event = %v, want only ETH/USDT", got)
	}
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"run:BTC/USDT": true, "run:ETH*": true}}
	tests := map[string]bool{
		"run:BTC/USDT":      true,
		"run:ETH/USDT":      true,
		"run:ETH/USDT:USDT": true,
		"run:SOL/USDT":      false,
	}
	for ch, want := range tests {
		if got := c.isSubscribed(ch); got != want {
			t.Errorf("isSubscribed(%q) = %v, want %v", ch, got, want)
		}
	}
}
