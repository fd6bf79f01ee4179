// Package sender implements the worker that drains the outbound queue,
// applies rate-gated admission and private-method token injection, and
// writes frames to the transport.
package sender

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/deribit/ws-core/internal/ratelimit"
	"github.com/deribit/ws-core/internal/spsc"
	"github.com/deribit/ws-core/internal/transport"
)

// AccessTokenProvider is the narrow capability the Sender needs from the
// façade, inverting what would otherwise be a circular dependency: the
// Sender never names the façade type.
type AccessTokenProvider interface {
	CurrentToken() string
}

const pollInterval = time.Millisecond

// Worker owns a single goroutine writing outbound frames to the transport.
type Worker struct {
	transport transport.Adapter
	outbound  *spsc.Queue[string]
	bucket    *ratelimit.TokenBucket
	tokens    AccessTokenProvider
	logger    zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a sender worker. bucket is the Sender's own admission
// gate (distinct from the façade's caller-side pre-check bucket).
func New(t transport.Adapter, outbound *spsc.Queue[string], bucket *ratelimit.TokenBucket, tokens AccessTokenProvider, logger zerolog.Logger) *Worker {
	return &Worker{
		transport: t,
		outbound:  outbound,
		bucket:    bucket,
		tokens:    tokens,
		logger:    logger.With().Str("component", "sender").Logger(),
	}
}

// Start spawns the worker goroutine.
func (w *Worker) Start() {
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for w.running.Load() {
		for !w.bucket.Allow() {
			if !w.running.Load() {
				return
			}
			time.Sleep(pollInterval)
		}

		frame, ok := w.outbound.Pop()
		if !ok {
			continue
		}

		if isPrivateMethod(frame) {
			token := w.tokens.CurrentToken()
			if token == "" {
				w.logger.Warn().Msg("sending private method without access token")
			} else {
				frame = injectAccessToken(frame, token)
			}
		}

		if err := w.transport.SendText(frame); err != nil {
			w.logger.Warn().Err(err).Msg("transport send failed")
		}
	}
}

// Stop flips the running flag and joins the worker. It does not close the
// transport; that is the Receiver's/façade's responsibility.
func (w *Worker) Stop() {
	w.running.Store(false)
	w.wg.Wait()
}

func isPrivateMethod(frame string) bool {
	return strings.Contains(frame, `"method":"private/`)
}

// injectAccessToken splices ,"access_token":"<token>" into the params
// object just before its closing brace. Outbound frames always end with
// the params object's closing brace immediately followed by the frame's
// own closing brace ("}}"); frames not matching that shape are returned
// unmodified rather than corrupted.
func injectAccessToken(frame, token string) string {
	n := len(frame)
	if n < 2 || frame[n-2] != '}' || frame[n-1] != '}' {
		return frame
	}

	insertAt := n - 2
	emptyParams := insertAt > 0 && frame[insertAt-1] == '{'

	var b strings.Builder
	b.Grow(n + len(token) + 24)
	b.WriteString(frame[:insertAt])
	if !emptyParams {
		b.WriteByte(',')
	}
	b.WriteString(`"access_token":"`)
	b.WriteString(token)
	b.WriteString(`"`)
	b.WriteString(frame[insertAt:])
	return b.String()
}
