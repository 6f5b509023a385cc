// Package client is the Go client for the castlink signaling broker:
// it keeps one websocket session alive with heartbeats and a reconnect
// policy, and surfaces broker events through typed callbacks. The
// negotiation payloads it relays stay opaque; plug a NegotiationEngine
// in to act on them.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// NegotiationEngine is the local media-negotiation collaborator. It is
// the only party that interprets offer/answer/candidate payloads.
type NegotiationEngine interface {
	// CreateOffer produces the opaque offer payload for a new session.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer consumes a remote offer and returns the answer payload.
	AcceptOffer(payload string) (string, error)
	// AcceptAnswer consumes the remote answer to our offer.
	AcceptAnswer(payload string) error
	// AddCandidate applies a remote connectivity candidate.
	AddCandidate(payload string) error
	// OnCandidate registers the sink for locally gathered candidates.
	OnCandidate(func(payload string))
	Close()
}

type Config struct {
	// URL of the broker's ws endpoint, e.g. ws://host:6060/api/ws/signal.
	URL  string
	Role string
	Name string
	Room string

	// HeartbeatInterval overrides the cadence the broker advertises in
	// its welcome frame; 30s when neither side sets one.
	HeartbeatInterval time.Duration

	// Reconnect policy; DefaultBackoff when nil.
	Reconnect *Backoff
}

type Client struct {
	cfg    Config
	engine NegotiationEngine

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	connID  string
	peerID  string
	closed  bool

	// hbInterval is the cadence advertised by the broker, under mu.
	hbInterval time.Duration

	onRegistered       func(role, name string)
	onBroadcasters     func([]Broadcaster)
	onConnectRequest   func(fromID, fromName string)
	onOffer            func(fromID, payload string)
	onAnswer           func(fromID, payload string)
	onCandidate        func(fromID, payload string)
	onPeerDisconnected func(peerID string)
	onError            func(code, message string)
}

func New(cfg Config) *Client {
	if cfg.Reconnect == nil {
		cfg.Reconnect = DefaultBackoff()
	}
	return &Client{cfg: cfg}
}

// AttachEngine wires a negotiation engine: inbound offers are answered
// automatically, inbound answers/candidates are applied, and locally
// gathered candidates are relayed to the current peer.
func (c *Client) AttachEngine(e NegotiationEngine) {
	c.engine = e
	e.OnCandidate(func(payload string) {
		c.mu.Lock()
		peer := c.peerID
		c.mu.Unlock()
		if err := c.SendCandidate(peer, payload); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("relay local candidate")
		}
	})
}

// OnRegistered fires on every register_ack, including after reconnects.
func (c *Client) OnRegistered(fn func(role, name string)) { c.onRegistered = fn }

func (c *Client) OnBroadcasters(fn func([]Broadcaster)) { c.onBroadcasters = fn }

func (c *Client) OnConnectRequest(fn func(fromID, name string)) { c.onConnectRequest = fn }

func (c *Client) OnOffer(fn func(fromID, payload string)) { c.onOffer = fn }

func (c *Client) OnAnswer(fn func(fromID, payload string)) { c.onAnswer = fn }

func (c *Client) OnCandidate(fn func(fromID, payload string)) { c.onCandidate = fn }

func (c *Client) OnPeerDisconnected(fn func(peerID string)) { c.onPeerDisconnected = fn }

func (c *Client) OnError(fn func(code, message string)) { c.onError = fn }

// ConnectionID returns the broker-assigned identity for the current
// connection, empty before the welcome frame arrives.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Run keeps the session alive until ctx is canceled or Close is
// called: dial, register, pump messages and heartbeats, and on any
// transport failure retry through the reconnect policy. Returns nil
// after Close, ctx.Err() when ctx ends, or the last transport error
// once the policy gives up.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		log.Warn().Err(err).Str("module", "client").Msg("session ended, scheduling reconnect")

		delay, ok := c.cfg.Reconnect.Next()
		if !ok {
			return fmt.Errorf("reconnect attempts exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) runOnce(ctx context.Context) error {
	if c.isClosed() {
		return fmt.Errorf("client closed")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connID = ""
	c.mu.Unlock()
	defer conn.Close()

	c.cfg.Reconnect.Reset()
	log.Info().Str("module", "client").Str("url", c.cfg.URL).Msg("connected")

	if err := c.Register(c.cfg.Role, c.cfg.Name, c.cfg.Room); err != nil {
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

// heartbeatInterval resolves the cadence: an explicit config value
// wins, then the broker's advertisement, then 30s.
func (c *Client) heartbeatInterval() time.Duration {
	if c.cfg.HeartbeatInterval > 0 {
		return c.cfg.HeartbeatInterval
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hbInterval > 0 {
		return c.hbInterval
	}
	return 30 * time.Second
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	// Re-resolved every beat so the broker's advertisement takes effect
	// as soon as the welcome frame arrives.
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.heartbeatInterval()):
			if err := c.sendMessage(signalMessage{Type: "heartbeat"}); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("heartbeat send")
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad frame from broker")
		return
	}

	switch msg.Type {
	case "info":
		c.mu.Lock()
		c.connID = msg.ConnectionID
		if msg.HeartbeatInterval > 0 {
			c.hbInterval = time.Duration(msg.HeartbeatInterval) * time.Millisecond
		}
		c.mu.Unlock()
	case "register_ack":
		log.Info().Str("module", "client").Str("role", msg.Role).Str("name", msg.Name).Msg("registered")
		if c.onRegistered != nil {
			c.onRegistered(msg.Role, msg.Name)
		}
	case "discover_response":
		if c.onBroadcasters != nil {
			c.onBroadcasters(msg.Broadcasters)
		}
	case "connect_request":
		c.setPeer(msg.FromID)
		if c.onConnectRequest != nil {
			c.onConnectRequest(msg.FromID, msg.FromName)
		}
	case "negotiation_offer":
		c.setPeer(msg.FromID)
		if c.engine != nil {
			answer, err := c.engine.AcceptOffer(msg.Payload)
			if err != nil {
				log.Error().Err(err).Str("module", "client").Msg("accept offer")
			} else if err := c.SendAnswer(msg.FromID, answer); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("send answer")
			}
		}
		if c.onOffer != nil {
			c.onOffer(msg.FromID, msg.Payload)
		}
	case "negotiation_answer":
		if c.engine != nil {
			if err := c.engine.AcceptAnswer(msg.Payload); err != nil {
				log.Error().Err(err).Str("module", "client").Msg("accept answer")
			}
		}
		if c.onAnswer != nil {
			c.onAnswer(msg.FromID, msg.Payload)
		}
	case "connectivity_candidate":
		if c.engine != nil {
			if err := c.engine.AddCandidate(msg.Payload); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("add candidate")
			}
		}
		if c.onCandidate != nil {
			c.onCandidate(msg.FromID, msg.Payload)
		}
	case "heartbeat_ack":
		log.Debug().Str("module", "client").Int64("timestamp", msg.Timestamp).Msg("heartbeat ack")
	case "peer_disconnected":
		c.mu.Lock()
		if c.peerID == msg.PeerID {
			c.peerID = ""
		}
		c.mu.Unlock()
		if c.onPeerDisconnected != nil {
			c.onPeerDisconnected(msg.PeerID)
		}
	case "error":
		log.Warn().Str("module", "client").Str("code", msg.Code).Str("message", msg.Message).Msg("broker error")
		if c.onError != nil {
			c.onError(msg.Code, msg.Message)
		}
	default:
		log.Debug().Str("module", "client").Str("type", msg.Type).Msg("unhandled message type")
	}
}

func (c *Client) setPeer(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.peerID = id
	c.mu.Unlock()
}

func (c *Client) Register(role, name, room string) error {
	return c.sendMessage(signalMessage{Type: "register", Role: role, Name: name, Room: room})
}

func (c *Client) Discover() error {
	return c.sendMessage(signalMessage{Type: "discover_request"})
}

// Select asks the broker to pair this viewer with the broadcaster.
func (c *Client) Select(targetID string) error {
	c.setPeer(targetID)
	return c.sendMessage(signalMessage{Type: "select_target", TargetID: targetID})
}

func (c *Client) SendOffer(targetID, payload string) error {
	return c.sendMessage(signalMessage{Type: "negotiation_offer", TargetID: targetID, Payload: payload})
}

func (c *Client) SendAnswer(targetID, payload string) error {
	return c.sendMessage(signalMessage{Type: "negotiation_answer", TargetID: targetID, Payload: payload})
}

func (c *Client) SendCandidate(targetID, payload string) error {
	return c.sendMessage(signalMessage{Type: "connectivity_candidate", TargetID: targetID, Payload: payload})
}

func (c *Client) sendMessage(msg signalMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Close ends the session for good: the transport is torn down and a
// running Run returns nil instead of scheduling a reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if c.engine != nil {
		c.engine.Close()
	}
}
