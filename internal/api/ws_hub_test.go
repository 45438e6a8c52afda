package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/portfolio"
	"github.com/papertrade/finance-engine/internal/quote"
	"github.com/papertrade/finance-engine/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h := NewWSHub()
	go h.Run()
	defer h.Stop()

	// Neither client has a write pump, so nothing drains slow.send.
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 8)}
	h.register <- slow
	h.register <- fast

	for _, price := range []string{"100", "101", "102"} {
		h.Broadcast(WSMessage{Type: MsgPriceUpdate, Symbol: "AAPL", Price: price})
	}

	for _, want := range []string{"100", "101", "102"} {
		select {
		case data := <-fast.send:
			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatal(err)
			}
			if msg.Price != want {
				t.Errorf("expected price %s, got %s", want, msg.Price)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("fast client did not receive price %s", want)
		}
	}

	waitFor(t, func() bool { return h.clientCount() == 1 })
	if _, ok := <-slow.send; !ok {
		t.Fatal("expected the buffered message before close")
	}
	if _, ok := <-slow.send; ok {
		t.Error("expected slow client's send channel to be closed")
	}
}

func TestWSHub_StopClosesClients(t *testing.T) {
	h := NewWSHub()
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	c := &wsClient{send: make(chan []byte, 1)}
	h.register <- c
	h.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}
}

func TestWSHub_TradeBroadcastOverSocket(t *testing.T) {
	quotes := quote.NewStaticProvider(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)})
	svc := portfolio.NewService(store.NewMemoryStore(), quotes, decimal.NewFromInt(10000))
	acct, err := svc.Register(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	h := NewWSHub()
	go h.Run()
	defer h.Stop()

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", h.HandleWS)
		NewHandler(svc, h).Routes(r)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.clientCount() == 1 })

	body, _ := json.Marshal(TradeRequest{Symbol: "AAPL", Shares: 2})
	resp, err := http.Post(srv.URL+"/api/v1/accounts/"+acct.UserID+"/buy", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["type"] != MsgTradeExecuted || fields["symbol"] != "AAPL" {
		t.Errorf("unexpected message: %s", data)
	}
	if _, ok := fields["user_id"]; ok {
		t.Errorf("message carries user_id: %s", data)
	}
	if bytes.Contains(data, []byte(acct.UserID)) {
		t.Errorf("message identifies the trader: %s", data)
	}
}
