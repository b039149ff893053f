package opiweb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSClientDispatch(t *testing.T) {
	var orders []OrderEvent
	var trades []TradeEvent
	var errs []error
	ws := NewWSClient(WSConfig{
		OnOrder: func(ev OrderEvent) { orders = append(orders, ev) },
		OnTrade: func(ev TradeEvent) { trades = append(trades, ev) },
		OnError: func(err error) { errs = append(errs, err) },
	})

	ws.dispatch([]byte("PONG"))
	ws.dispatch([]byte(`{"event_type":"order","id":"0xentry","size_matched":"5","type":"UPDATE"}`))
	ws.dispatch([]byte(`[{"event_type":"trade","id":"trade-1","status":"MATCHED","maker_orders":[{"order_id":"0xm","matched_amount":"5"}]},{"event_type":"book"}]`))
	ws.dispatch([]byte(`{not json`))

	if len(orders) != 1 || orders[0].ID != "0xentry" || orders[0].SizeMatched != "5" || orders[0].Type != "UPDATE" {
		t.Errorf("orders = %+v", orders)
	}
	if len(trades) != 1 || trades[0].Status != "MATCHED" || len(trades[0].MakerOrders) != 1 {
		t.Errorf("trades = %+v", trades)
	}
	if len(errs) != 1 {
		t.Errorf("errors = %v, want one malformed message", errs)
	}
}

func TestWSClientSubscribeRequiresCredentials(t *testing.T) {
	ws := NewWSClient(WSConfig{})
	if err := ws.SubscribeUser(nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("SubscribeUser() error = %v, want %v", err, ErrInvalidParam)
	}

	ws = NewWSClient(WSConfig{Creds: testCreds()})
	if err := ws.SubscribeUser(nil); !errors.Is(err, ErrWSNotConnected) {
		t.Errorf("SubscribeUser(disconnected) error = %v, want %v", err, ErrWSNotConnected)
	}
	if subs := ws.GetSubscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions = %v after a failed subscribe", subs)
	}
}

func TestWSClientUserChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan SubscribeMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		defer conn.Close()

		var msg SubscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Errorf("ReadJSON() error = %v", err)
			return
		}
		subscribed <- msg

		conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"event_type":"order","id":"0xentry","size_matched":"40","type":"UPDATE"}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	orders := make(chan OrderEvent, 1)
	connected := make(chan struct{}, 1)
	ws := NewWSClient(WSConfig{
		Endpoint:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Creds:     testCreds(),
		OnOrder:   func(ev OrderEvent) { orders <- ev },
		OnConnect: func() { connected <- struct{}{} },
	})

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ws.Disconnect()
	if !ws.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	if err := ws.SubscribeUser(nil); err != nil {
		t.Fatalf("SubscribeUser() error = %v", err)
	}

	select {
	case msg := <-subscribed:
		if msg.Type != ChannelUser {
			t.Errorf("Type = %q, want %q", msg.Type, ChannelUser)
		}
		if msg.Markets == nil || len(msg.Markets) != 0 {
			t.Errorf("Markets = %v, want an empty list", msg.Markets)
		}
		if msg.Auth == nil || msg.Auth.APIKey != testCreds().APIKey || msg.Auth.Passphrase != testCreds().Passphrase {
			t.Errorf("Auth = %+v", msg.Auth)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscription")
	}

	select {
	case ev := <-orders:
		if ev.ID != "0xentry" || ev.SizeMatched != "40" {
			t.Errorf("order event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order event never dispatched")
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Error("OnConnect never called")
	}

	if subs := ws.GetSubscriptions(); len(subs) != 1 {
		t.Errorf("subscriptions = %v, want one", subs)
	}

	if err := ws.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if ws.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
}
