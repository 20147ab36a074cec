package wager_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optn/house-engine/internal/model"
	"github.com/optn/house-engine/internal/notify"
	"github.com/optn/house-engine/internal/wager"
)

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := wager.NewWSHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	err = hub.Publish(context.Background(), []notify.Event{
		notify.HouseUpdatedEvent(&model.House{ID: "h1", Liquidity: 10_000}),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Data struct {
			Liquidity uint64 `json:"liquidity"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "house_updated" || msg.ID != "h1" || msg.Data.Liquidity != 10_000 {
		t.Errorf("unexpected message %s", data)
	}
}

func TestWSHub_FullBufferReportsDrop(t *testing.T) {
	hub := wager.NewWSHub(discardLogger())
	events := make([]notify.Event, 300)
	for i := range events {
		events[i] = notify.MarketUpdatedEvent(&model.Market{ID: "m"})
	}
	if err := hub.Publish(context.Background(), events); err == nil {
		t.Error("expected an error once the buffer is full")
	}
}
