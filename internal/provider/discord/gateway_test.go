package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/status"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type gatewayScript func(ctx context.Context, conn *websocket.Conn, n int32) error

// fakeGateway accepts websocket connections, sends hello, waits for identify
// and then runs script. n counts connections from 1.
func fakeGateway(t *testing.T, script gatewayScript) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := conns.Add(1)
		ctx := r.Context()

		if err := wsjson.Write(ctx, conn, map[string]any{"op": 10, "d": map[string]any{"heartbeat_interval": 60000}}); err != nil {
			return
		}
		var ident struct {
			Op int `json:"op"`
			D  struct {
				Token   string `json:"token"`
				Intents int    `json:"intents"`
			} `json:"d"`
		}
		if err := wsjson.Read(ctx, conn, &ident); err != nil {
			return
		}
		if ident.Op != opIdentify || ident.D.Token != "secret" || ident.D.Intents != DefaultIntents {
			t.Errorf("identify = %+v", ident)
		}
		if err := script(ctx, conn, n); err != nil {
			return
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

func dispatch(ctx context.Context, conn *websocket.Conn, seq int, event, data string) error {
	return conn.Write(ctx, websocket.MessageText,
		[]byte(`{"op":0,"s":`+strconv.Itoa(seq)+`,"t":"`+event+`","d":`+data+`}`))
}

func loadingMachine(t *testing.T, b *bus.Bus) *status.Machine {
	t.Helper()
	m := status.NewMachine(b)
	if err := m.Transition(status.Loading); err != nil {
		t.Fatal(err)
	}
	return m
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return bus.Event{}
	}
}

const liveMessage = `{"id":"1000","channel_id":"42","type":0,"content":"hello",` +
	`"timestamp":"2024-03-01T12:00:00.000000+00:00","author":{"id":"7","username":"alice"}}`

func TestGatewayPublishesLiveEvents(t *testing.T) {
	url, _ := fakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int32) error {
		if err := dispatch(ctx, conn, 1, "READY", `{"user":{"id":"1","username":"bot"},"session_id":"s"}`); err != nil {
			return err
		}
		if err := dispatch(ctx, conn, 2, "MESSAGE_CREATE", strings.Replace(liveMessage, `"42"`, `"43"`, 1)); err != nil {
			return err
		}
		if err := dispatch(ctx, conn, 3, "MESSAGE_CREATE", liveMessage); err != nil {
			return err
		}
		return dispatch(ctx, conn, 4, "MESSAGE_DELETE", `{"id":"999","channel_id":"42"}`)
	})

	b := bus.New()
	events, unsub := b.Subscribe("live.", 10)
	defer unsub()
	m := loadingMachine(t, b)

	g := NewGateway(GatewayConfig{URL: url}, "secret", nil, b, m,
		func(id string) bool { return id == "42" }, zaptest.NewLogger(t))
	g.Start(context.Background())
	defer g.Stop()

	evt := nextEvent(t, events)
	lm, ok := evt.Payload.(bus.LiveMessage)
	if evt.Kind != bus.KindLiveMessage || !ok {
		t.Fatalf("first event = %+v", evt)
	}
	if lm.ChannelID != "42" || lm.Record.ID != "1000" || lm.Record.Timestamp != "2024-03-01T12:00:00Z" {
		t.Errorf("live message = %+v", lm)
	}
	if m.Current() != status.Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}

	evt = nextEvent(t, events)
	if ld, ok := evt.Payload.(bus.LiveDelete); !ok || ld.MessageID != "999" {
		t.Errorf("second event = %+v", evt)
	}
}

func TestGatewayReconnects(t *testing.T) {
	url, conns := fakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int32) error {
		if n == 1 {
			return wsjson.Write(ctx, conn, map[string]any{"op": opReconnect, "d": nil})
		}
		return dispatch(ctx, conn, 1, "READY", `{"user":{"id":"1","username":"bot"}}`)
	})

	b := bus.New()
	m := loadingMachine(t, b)
	g := NewGateway(GatewayConfig{URL: url, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond},
		"secret", nil, b, m, nil, zaptest.NewLogger(t))
	g.Start(context.Background())
	defer g.Stop()

	waitState(t, m, status.Ready)
	if got := conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestGatewayFatalClose(t *testing.T) {
	url, conns := fakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int32) error {
		conn.Close(4004, "Authentication failed")
		return context.Canceled
	})

	b := bus.New()
	m := loadingMachine(t, b)
	g := NewGateway(GatewayConfig{URL: url, ReconnectMin: 10 * time.Millisecond},
		"secret", nil, b, m, nil, zaptest.NewLogger(t))
	g.Start(context.Background())
	defer g.Stop()

	waitState(t, m, status.Error)
	time.Sleep(50 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Errorf("connections = %d, want no reconnect after fatal close", got)
	}
}

func TestGatewayRefetchesReactions(t *testing.T) {
	f := newFakeAPI(1)
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	client := NewClient("secret", WithBaseURL(srv.URL))

	url, _ := fakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int32) error {
		if err := dispatch(ctx, conn, 1, "READY", `{"user":{"id":"1","username":"bot"}}`); err != nil {
			return err
		}
		return dispatch(ctx, conn, 2, "MESSAGE_REACTION_ADD",
			`{"message_id":"`+f.msgs[0].ID+`","channel_id":"42","emoji":{"name":"x"}}`)
	})

	b := bus.New()
	events, unsub := b.Subscribe("live.", 10)
	defer unsub()
	g := NewGateway(GatewayConfig{URL: url}, "secret", client, b, loadingMachine(t, b), nil, zaptest.NewLogger(t))
	g.Start(context.Background())
	defer g.Stop()

	evt := nextEvent(t, events)
	lm, ok := evt.Payload.(bus.LiveMessage)
	if !ok || lm.Record.ID != f.msgs[0].ID {
		t.Errorf("event = %+v", evt)
	}
}
