package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultGatewayURL is the JSON-encoded v10 gateway.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents.
const (
	IntentGuilds                 = 1 << 0
	IntentGuildMessages          = 1 << 9
	IntentGuildMessageReactions  = 1 << 10
	IntentDirectMessages         = 1 << 12
	IntentDirectMessageReactions = 1 << 13
	IntentMessageContent         = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentGuildMessageReactions |
		IntentDirectMessages | IntentDirectMessageReactions | IntentMessageContent
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

var (
	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway invalidated session")
	errZombie             = errors.New("heartbeat not acknowledged")
)

// fatalCloseCodes end the gateway instead of reconnecting: bad token,
// bad shard or disallowed intents.
var fatalCloseCodes = map[websocket.StatusCode]bool{
	4004: true,
	4010: true,
	4011: true,
	4012: true,
	4013: true,
	4014: true,
}

// GatewayConfig configures the live connection.
type GatewayConfig struct {
	URL          string
	Intents      int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// RefetchTimeout bounds REST lookups made for partial updates.
	RefetchTimeout time.Duration
}

func (c *GatewayConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultGatewayURL
	}
	if c.Intents == 0 {
		c.Intents = DefaultIntents
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.RefetchTimeout <= 0 {
		c.RefetchTimeout = 15 * time.Second
	}
}

type inbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

// Gateway keeps a websocket to Discord open and republishes message events
// on the bus as live records. It drives the daemon state machine through
// CONNECTING, READY and RECONNECTING.
type Gateway struct {
	cfg     GatewayConfig
	token   string
	client  *Client
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	// tracked filters events to mirrored channels; nil accepts all.
	tracked func(channelID string) bool

	seq    atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway creates a gateway. client is used to refetch messages whose
// events carry partial data.
func NewGateway(cfg GatewayConfig, token string, client *Client, b *bus.Bus, machine *status.Machine, tracked func(string) bool, logger *zap.Logger) *Gateway {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:     cfg,
		token:   token,
		client:  client,
		bus:     b,
		machine: machine,
		logger:  logger,
		tracked: tracked,
	}
}

// Start connects in the background and keeps reconnecting until Stop.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx)
	}()
}

// Stop closes the connection and waits for all gateway goroutines.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.ReconnectMin
	bo.MaxInterval = g.cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		g.transition(status.Connecting)
		err := g.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if code := websocket.CloseStatus(err); fatalCloseCodes[code] {
			g.logger.Error("gateway closed permanently", zap.Int("code", int(code)), zap.Error(err))
			if g.machine != nil {
				_ = g.machine.Fail(fmt.Errorf("gateway close %d: %w", int(code), err))
			}
			return
		}

		delay := bo.NextBackOff()
		g.logger.Warn("gateway disconnected",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
		g.transition(status.Reconnecting)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (g *Gateway) session(ctx context.Context, bo backoff.BackOff) error {
	conn, _, err := websocket.Dial(ctx, g.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.CloseNow()
	// Guild message payloads with embeds exceed the 32KiB default.
	conn.SetReadLimit(1 << 22)

	var hello inbound
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid hello payload: %s", hello.D)
	}

	err = wsjson.Write(ctx, conn, outbound{Op: opIdentify, D: identifyData{
		Token:   g.token,
		Intents: g.cfg.Intents,
		Properties: map[string]string{
			"os":      "linux",
			"browser": "chanmirror",
			"device":  "chanmirror",
		},
	}})
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	var acked atomic.Bool
	acked.Store(true)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.heartbeat(ectx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond, &acked)
	})
	eg.Go(func() error {
		return g.readLoop(ectx, conn, bo, &acked)
	})
	err = eg.Wait()
	if websocket.CloseStatus(err) == -1 {
		conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
	return err
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked *atomic.Bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !acked.Swap(false) {
				return errZombie
			}
			if err := g.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	var d any
	if s := g.seq.Load(); s > 0 {
		d = s
	}
	if err := wsjson.Write(ctx, conn, outbound{Op: opHeartbeat, D: d}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, bo backoff.BackOff, acked *atomic.Bool) error {
	for {
		var p inbound
		if err := wsjson.Read(ctx, conn, &p); err != nil {
			return err
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}
		switch p.Op {
		case opDispatch:
			g.dispatch(ctx, p.T, p.D, bo)
		case opHeartbeat:
			if err := g.sendHeartbeat(ctx, conn); err != nil {
				return err
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			return errInvalidSession
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, event string, data json.RawMessage, bo backoff.BackOff) {
	switch event {
	case "READY":
		var ready struct {
			User      apiUser `json:"user"`
			SessionID string  `json:"session_id"`
		}
		_ = json.Unmarshal(data, &ready)
		bo.Reset()
		g.logger.Info("gateway ready",
			zap.String("user", ready.User.Username), zap.String("session_id", ready.SessionID))
		g.transition(status.Ready)

	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		var m apiMessage
		if err := json.Unmarshal(data, &m); err != nil {
			g.logger.Warn("malformed message event", zap.String("event", event), zap.Error(err))
			return
		}
		if !g.accepts(m.ChannelID) {
			return
		}
		// Updates for embeds unfurling carry only a few fields.
		if m.Timestamp == "" || m.Author == nil {
			g.refetch(ctx, m.ChannelID, m.ID)
			return
		}
		rec, err := toRecord(m)
		if err != nil {
			g.logger.Warn("unconvertible message event", zap.String("msg_id", m.ID), zap.Error(err))
			return
		}
		g.bus.Publish(bus.Event{
			Kind:    bus.KindLiveMessage,
			Payload: bus.LiveMessage{ChannelID: m.ChannelID, Record: rec},
		})

	case "MESSAGE_DELETE":
		var d struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &d); err != nil || !g.accepts(d.ChannelID) {
			return
		}
		g.bus.Publish(bus.Event{
			Kind:    bus.KindLiveDelete,
			Payload: bus.LiveDelete{ChannelID: d.ChannelID, MessageID: d.ID},
		})

	case "MESSAGE_REACTION_ADD", "MESSAGE_REACTION_REMOVE",
		"MESSAGE_REACTION_REMOVE_ALL", "MESSAGE_REACTION_REMOVE_EMOJI":
		var r struct {
			MessageID string `json:"message_id"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &r); err != nil || !g.accepts(r.ChannelID) {
			return
		}
		g.refetch(ctx, r.ChannelID, r.MessageID)
	}
}

func (g *Gateway) accepts(channelID string) bool {
	return channelID != "" && (g.tracked == nil || g.tracked(channelID))
}

// refetch loads the full message over REST and publishes it. It runs off the
// read loop so a slow API does not starve heartbeat acknowledgements.
func (g *Gateway) refetch(ctx context.Context, channelID, messageID string) {
	if g.client == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, g.cfg.RefetchTimeout)
		defer cancel()
		rec, err := g.client.Message(ctx, channelID, messageID)
		if err != nil {
			g.logger.Warn("refetch failed",
				zap.String("channel", channelID), zap.String("msg_id", messageID), zap.Error(err))
			return
		}
		g.bus.Publish(bus.Event{
			Kind:    bus.KindLiveMessage,
			Payload: bus.LiveMessage{ChannelID: channelID, Record: rec},
		})
	}()
}

func (g *Gateway) transition(to status.State) {
	if g.machine == nil {
		return
	}
	if err := g.machine.Transition(to); err != nil {
		g.logger.Debug("state transition skipped", zap.String("to", string(to)), zap.Error(err))
	}
}
