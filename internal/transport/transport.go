// Package transport defines the thin adapter contract the core relies on
// for the underlying secure WebSocket connection, plus a gorilla/websocket
// implementation dialing Deribit's production/testnet endpoints.
package transport

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Adapter is the external collaborator contract: connect, send one text
// frame, read one text frame, close. Any compliant WebSocket client can
// satisfy it. ReadText returns "" on error or shutdown, uniformly
// interpreted by the Receiver as end-of-stream.
type Adapter interface {
	Connect() error
	SendText(msg string) error
	ReadText() string
	Close() error
}

const (
	prodHost    = "www.deribit.com"
	testnetHost = "test.deribit.com"
	wsPath      = "/ws/api/v2"
)

// Config selects which Deribit endpoint to dial.
type Config struct {
	Testnet        bool
	HandshakeTimeout time.Duration
}

// WSAdapter is a gorilla/websocket-backed Adapter. gorilla/websocket
// guarantees at most one concurrent reader and one concurrent writer are
// safe without additional locking, which matches the Receiver/Sender split
// exactly — SendText and ReadText may be called concurrently from their
// respective owning goroutines, but never two ReadText or two SendText
// calls concurrently.
type WSAdapter struct {
	cfg    Config
	conn   *websocket.Conn
	closed atomic.Bool
}

// New constructs a WSAdapter for the given configuration. Connect must be
// called before SendText/ReadText.
func New(cfg Config) *WSAdapter {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WSAdapter{cfg: cfg}
}

func (a *WSAdapter) endpoint() string {
	host := prodHost
	if a.cfg.Testnet {
		host = testnetHost
	}
	u := url.URL{Scheme: "wss", Host: host + ":443", Path: wsPath}
	return u.String()
}

// Connect establishes the secure WebSocket handshake. Certificate
// verification is disabled only for testnet, matching spec §6.
func (a *WSAdapter) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.HandshakeTimeout,
	}
	if a.cfg.Testnet {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // nolint:gosec
	}

	conn, _, err := dialer.Dial(a.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	a.conn = conn
	return nil
}

// SendText writes one UTF-8 text frame. Transient errors are returned to
// the caller (the Sender logs and continues rather than tearing down the
// worker).
func (a *WSAdapter) SendText(msg string) error {
	if a.conn == nil {
		return fmt.Errorf("transport: send before connect")
	}
	return a.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// ReadText blocks for one text frame. Returns "" on error, close, or
// shutdown — the Receiver treats all three identically.
func (a *WSAdapter) ReadText() string {
	if a.conn == nil {
		return ""
	}
	_, data, err := a.conn.ReadMessage()
	if err != nil {
		return ""
	}
	return string(data)
}

// Close initiates a normal WebSocket close. Idempotent: only the first
// call on a connected adapter sends the close frame and closes the
// connection; later calls, and calls before Connect, return nil.
func (a *WSAdapter) Close() error {
	if a.conn == nil || !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return a.conn.Close()
}
