// Package receiver implements the worker that drains inbound WebSocket
// frames into the dispatcher's inbound queue.
package receiver

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/deribit/ws-core/internal/spsc"
	"github.com/deribit/ws-core/internal/transport"
)

// Worker owns a single goroutine reading text frames from the transport
// adapter and pushing them onto an inbound SPSC queue. A full queue drops
// the frame with a warning: blocking the receiver would starve the socket
// and risk broker-side disconnection.
type Worker struct {
	transport transport.Adapter
	inbound   *spsc.Queue[string]
	logger    zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	dropped atomic.Uint64
}

// New constructs a receiver worker over the given transport and inbound
// queue.
func New(t transport.Adapter, inbound *spsc.Queue[string], logger zerolog.Logger) *Worker {
	return &Worker{transport: t, inbound: inbound, logger: logger.With().Str("component", "receiver").Logger()}
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
		frame := w.transport.ReadText()
		if frame == "" {
			// End-of-stream: either a real empty frame, a closed
			// transport, or a read error. All three are treated
			// uniformly as shutdown.
			w.logger.Debug().Msg("receiver read empty frame, exiting")
			return
		}

		if !w.inbound.Push(frame) {
			w.dropped.Add(1)
			w.logger.Warn().Msg("inbound queue full, dropping frame")
		}
	}
}

// RequestStop flips the running flag so the loop exits on its next
// iteration boundary. It does not by itself unblock an in-flight read.
func (w *Worker) RequestStop() {
	w.running.Store(false)
}

// Stop flips the running flag, closes the transport (unblocking the
// in-flight read), and joins the worker goroutine.
func (w *Worker) Stop() {
	w.RequestStop()
	_ = w.transport.Close()
	w.wg.Wait()
}

// Dropped returns the number of frames dropped due to a full inbound
// queue, for metrics export.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}
