// Package deribit wires the SPSC queues, token bucket, transport, receiver,
// sender, and dispatcher into a single client façade exposing connect,
// authenticate, subscribe, send_rpc, and close.
package deribit

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/deribit/ws-core/internal/dispatch"
	"github.com/deribit/ws-core/internal/ratelimit"
	"github.com/deribit/ws-core/internal/receiver"
	"github.com/deribit/ws-core/internal/sender"
	"github.com/deribit/ws-core/internal/spsc"
	"github.com/deribit/ws-core/internal/transport"
)

// Reserved correlation IDs. 9001 and 1001 never appear in caller-issued
// send_rpc calls; callers own the rest of the ID space.
const (
	authRPCID      = 9001
	subscribeRPCID = 1001

	authTimeout     = 5 * time.Second
	closeGraceDelay = time.Second
)

// Credentials are the Deribit API key pair used for public/auth.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Config configures a Client.
type Config struct {
	Transport         transport.Config
	Credentials       Credentials
	InboundQueueSize  int
	OutboundQueueSize int
	RateMaxTokens     float64
	RateRefillRate    float64
	Logger            zerolog.Logger

	// Adapter overrides the transport for tests. When nil, New builds a
	// gorilla/websocket-backed transport.WSAdapter from Transport.
	Adapter transport.Adapter
}

// Client is the concurrent messaging façade: one transport, one dispatcher
// goroutine, one receiver goroutine, one sender goroutine.
type Client struct {
	cfg        Config
	transport  transport.Adapter
	dispatcher *dispatch.Dispatcher

	inbound  *spsc.Queue[string]
	outbound *spsc.Queue[string]

	callerRate *ratelimit.TokenBucket
	senderRate *ratelimit.TokenBucket

	recv *receiver.Worker
	send *sender.Worker

	logger zerolog.Logger

	connected atomic.Bool
	closing   atomic.Bool

	accessToken atomic.Pointer[string]

	rateAdmitted    atomic.Uint64
	rateDenied      atomic.Uint64
	outboundDropped atomic.Uint64

	dispatchWG sync.WaitGroup
}

// Stats is a point-in-time snapshot of façade-level counters, exported for
// the metrics bridge (obsmetrics.BindClient).
type Stats struct {
	InboundDropped  uint64
	OutboundDropped uint64
	RateAdmitted    uint64
	RateDenied      uint64
	CallerTokens    float64
	SenderTokens    float64
}

// Stats returns a snapshot of façade-level counters. InboundDropped is 0
// until Connect has started the receiver.
func (c *Client) Stats() Stats {
	var inboundDropped uint64
	if c.recv != nil {
		inboundDropped = c.recv.Dropped()
	}
	return Stats{
		InboundDropped:  inboundDropped,
		OutboundDropped: c.outboundDropped.Load(),
		RateAdmitted:    c.rateAdmitted.Load(),
		RateDenied:      c.rateDenied.Load(),
		CallerTokens:    c.callerRate.Tokens(),
		SenderTokens:    c.senderRate.Tokens(),
	}
}

// New constructs a Client. Connect must be called before any other
// operation.
func New(cfg Config) *Client {
	if cfg.InboundQueueSize == 0 {
		cfg.InboundQueueSize = 4096
	}
	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = 1024
	}
	if cfg.RateMaxTokens == 0 {
		cfg.RateMaxTokens = ratelimit.MaxTokens
	}
	if cfg.RateRefillRate == 0 {
		cfg.RateRefillRate = ratelimit.RefillRate
	}

	adapter := cfg.Adapter
	if adapter == nil {
		adapter = transport.New(cfg.Transport)
	}

	return &Client{
		cfg:        cfg,
		transport:  adapter,
		dispatcher: dispatch.New(),
		inbound:    spsc.New[string](cfg.InboundQueueSize),
		outbound:   spsc.New[string](cfg.OutboundQueueSize),
		callerRate: ratelimit.New(cfg.RateMaxTokens, cfg.RateRefillRate),
		senderRate: ratelimit.New(cfg.RateMaxTokens, cfg.RateRefillRate),
		logger:     cfg.Logger,
	}
}

// Dispatcher exposes the dispatcher for metrics binding (obsmetrics.BindDispatcher).
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// CurrentToken implements sender.AccessTokenProvider.
func (c *Client) CurrentToken() string {
	p := c.accessToken.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Connected reports whether the transport is currently connected.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the transport and starts the receiver, sender, and
// dispatcher goroutines.
func (c *Client) Connect() error {
	if err := c.transport.Connect(); err != nil {
		return fmt.Errorf("deribit: connect: %w", err)
	}
	c.connected.Store(true)

	c.recv = receiver.New(c.transport, c.inbound, c.logger)
	c.send = sender.New(c.transport, c.outbound, c.senderRate, c, c.logger)

	c.recv.Start()
	c.send.Start()

	c.dispatchWG.Add(1)
	go c.dispatchLoop()

	return nil
}

func (c *Client) dispatchLoop() {
	defer c.dispatchWG.Done()
	for {
		frame := c.inbound.WaitAndPop()
		if frame == "" {
			return
		}
		c.dispatcher.Dispatch([]byte(frame))
	}
}

// authResult captures the outcome of the public/auth round trip.
type authResult struct {
	token string
	err   error
}

// Authenticate performs public/auth using the configured credentials and
// blocks until the response arrives or authTimeout elapses.
func (c *Client) Authenticate() error {
	if c.cfg.Credentials.ClientID == "" || c.cfg.Credentials.ClientSecret == "" {
		return fmt.Errorf("deribit: authenticate: no credentials configured")
	}

	params, err := json.Marshal(struct {
		GrantType    string `json:"grant_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}{
		GrantType:    "client_credentials",
		ClientID:     c.cfg.Credentials.ClientID,
		ClientSecret: c.cfg.Credentials.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("deribit: authenticate: marshal params: %w", err)
	}

	done := make(chan authResult, 1)

	handler := dispatch.RPCHandler{
		OnSuccess: func(pm *dispatch.ParsedMessage) {
			done <- authResult{token: pm.AccessToken}
		},
		OnError: func(pm *dispatch.ParsedMessage) {
			done <- authResult{err: fmt.Errorf("deribit: auth error %d: %s", pm.ErrorCode, pm.ErrorMsg)}
		},
	}

	if !c.sendRPC(authRPCID, "public/auth", params, handler) {
		return fmt.Errorf("deribit: authenticate: rate-limited or outbound queue full")
	}

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if res.token == "" {
			return fmt.Errorf("deribit: authenticate: response carried no access_token")
		}
		token := res.token
		c.accessToken.Store(&token)
		return nil
	case <-time.After(authTimeout):
		return fmt.Errorf("deribit: authenticate: timed out after %s", authTimeout)
	}
}

// Subscribe registers handler for channel and issues public/subscribe.
// Every subscribe call shares the fixed correlation ID 1001: callers track
// delivery through the channel handler, not the RPC response.
// Returns false if the caller-side rate gate denies the call or the
// outbound queue is full — callers must check this return value, since no
// response frame will ever arrive to signal the denial.
func (c *Client) Subscribe(channel string, handler dispatch.SubHandler) bool {
	c.dispatcher.RegisterSubscription(channel, handler)

	params, err := json.Marshal(struct {
		Channels []string `json:"channels"`
	}{Channels: []string{channel}})
	if err != nil {
		return false
	}

	return c.sendRPC(subscribeRPCID, "public/subscribe", params, dispatch.RPCHandler{})
}

// SendRPC issues an arbitrary method call with the given id and params,
// invoking handler's callbacks when the dispatcher routes the response.
// Returns false if the rate gate denies the call or the outbound queue is
// full; the caller must treat false as "not sent".
func (c *Client) SendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool {
	return c.sendRPC(id, method, params, handler)
}

// sendRPC applies the single caller-side rate gate, optionally registers a
// handler, builds the wire frame, and enqueues it. This is the only place
// that charges the façade's token bucket — the Sender's own bucket is a
// separate, later admission gate on the wire write, not a second charge
// against this budget.
func (c *Client) sendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool {
	if !c.callerRate.Allow() {
		c.rateDenied.Add(1)
		return false
	}
	c.rateAdmitted.Add(1)

	if handler.OnSuccess != nil || handler.OnError != nil {
		c.dispatcher.RegisterRPC(id, handler)
	}

	frame, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return false
	}

	if !c.outbound.Push(string(frame)) {
		c.outboundDropped.Add(1)
		return false
	}
	return true
}

// Close tears the client down: it is safe to call multiple times and safe
// to call without a prior successful Connect.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	if c.send == nil && c.recv == nil {
		return nil // Close called without a prior Connect
	}

	c.drainOutboundWithGrace()

	c.send.Stop()
	c.recv.Stop() // closes the transport, unblocking any in-flight read
	c.connected.Store(false)

	// Wake the dispatcher loop with a sentinel. Safe: the receiver, the
	// queue's sole producer, has already been joined above. The dispatcher
	// is still draining, so retry until the push lands.
	for !c.inbound.Push("") {
		time.Sleep(time.Millisecond)
	}
	c.dispatchWG.Wait()

	return nil
}

// drainOutboundWithGrace gives queued outbound frames (e.g. an unsubscribe
// issued just before Close) a brief window to reach the wire before the
// sender is stopped.
func (c *Client) drainOutboundWithGrace() {
	deadline := time.Now().Add(closeGraceDelay)
	for !c.outbound.Empty() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
