// Package dispatch implements the O(1) routing layer between inbound
// JSON-RPC frames and per-request/per-channel handlers. A single dispatcher
// goroutine calls Dispatch synchronously for each frame drained from the
// inbound queue; handlers run on that same goroutine.
package dispatch

import (
	"encoding/json"
	"hash/fnv"
	"sync/atomic"
)

// Fixed table sizes, both powers of two, per spec §4.5.
const (
	MaxInflight = 4096
	SubTable    = 4096

	inflightMask = MaxInflight - 1
	subMask      = SubTable - 1
)

// RPCHandler is a registered per-request continuation pair plus an opaque
// user-data handle. A slot is "active" iff at least one of OnSuccess /
// OnError is non-nil.
type RPCHandler struct {
	OnSuccess func(*ParsedMessage)
	OnError   func(*ParsedMessage)
	UserData  any
}

func (h RPCHandler) active() bool {
	return h.OnSuccess != nil || h.OnError != nil
}

// SubHandler is a single continuation invoked for every notification on a
// registered channel. No user-data: subscription callbacks are pure
// routing.
type SubHandler func(*ParsedMessage)

// Stats is a point-in-time snapshot of dispatch counters, exported for the
// metrics bridge.
type Stats struct {
	RPCOK          uint64
	RPCError       uint64
	Subscriptions  uint64
	Ignored        uint64
	ParseErrors    uint64
	UnroutedRPC    uint64
	UnroutedSub    uint64
}

// Dispatcher holds the two fixed hash-indexed tables. Zero value is not
// usable; construct with New. Registration and dispatch are safe to
// interleave: table writes are plain value stores into fixed slots, and
// the dispatcher thread tolerates stale reads (the worst case is a missed
// dispatch, already allowed on collision). Callers that register before
// enqueuing the corresponding request get their registration visible to
// the dispatcher via the same release/acquire fence the inbound queue
// provides on receipt (see SPSC queue docs).
type Dispatcher struct {
	rpcTable [MaxInflight]RPCHandler
	subTable [SubTable]SubHandler

	rpcOK, rpcErr, subs, ignored, parseErrs, unroutedRPC, unroutedSub atomic.Uint64
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// RegisterRPC overwrites the slot at id & mask. No allocation.
func (d *Dispatcher) RegisterRPC(id uint64, h RPCHandler) {
	d.rpcTable[id&inflightMask] = h
}

// RegisterSubscription overwrites the slot at hash(channel) & mask.
func (d *Dispatcher) RegisterSubscription(channel string, h SubHandler) {
	d.subTable[channelIndex(channel)] = h
}

func channelIndex(channel string) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(channel))
	return hasher.Sum32() & subMask
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type wireParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
	Params *wireParams     `json:"params"`
	USIn   *uint64         `json:"usIn"`
	USOut  *uint64         `json:"usOut"`
	USDiff *uint64         `json:"usDiff"`
}

type wireResult struct {
	AccessToken *string `json:"access_token"`
}

// Dispatch parses one JSON frame and invokes at most one registered
// handler. Parse errors and unroutable frames return silently (the caller
// logs at debug if desired via Stats()).
func (d *Dispatcher) Dispatch(frame []byte) {
	var wf wireFrame
	if err := json.Unmarshal(frame, &wf); err != nil {
		d.parseErrs.Add(1)
		return
	}

	switch {
	case wf.ID != nil:
		d.dispatchRPC(&wf)
	case wf.Method == "subscription":
		d.dispatchSubscription(&wf)
	default:
		d.ignored.Add(1)
	}
}

func (d *Dispatcher) dispatchRPC(wf *wireFrame) {
	pm := &ParsedMessage{ID: *wf.ID}

	if wf.USIn != nil && wf.USOut != nil && wf.USDiff != nil {
		pm.HasTiming = true
		pm.USIn = *wf.USIn
		pm.USOut = *wf.USOut
		pm.USDiff = *wf.USDiff
	}

	slot := d.rpcTable[*wf.ID&inflightMask]

	if wf.Error != nil {
		pm.Kind = KindRPCError
		pm.ErrorCode = wf.Error.Code
		pm.ErrorMsg = wf.Error.Message
		d.rpcErr.Add(1)
		if !slot.active() {
			d.unroutedRPC.Add(1)
			return
		}
		if slot.OnError != nil {
			slot.OnError(pm)
		}
		return
	}

	if wf.Result == nil {
		// Neither result nor error: ignore after consuming timing fields.
		d.ignored.Add(1)
		return
	}

	pm.Kind = KindRPCOK
	pm.Result = wf.Result

	if len(wf.Result) > 0 && wf.Result[0] == '{' {
		var wr wireResult
		if json.Unmarshal(wf.Result, &wr) == nil && wr.AccessToken != nil {
			pm.AccessToken = *wr.AccessToken
		}
	}

	d.rpcOK.Add(1)
	if !slot.active() {
		d.unroutedRPC.Add(1)
		return
	}
	if slot.OnSuccess != nil {
		slot.OnSuccess(pm)
	}
}

func (d *Dispatcher) dispatchSubscription(wf *wireFrame) {
	if wf.Params == nil || wf.Params.Channel == "" {
		d.ignored.Add(1)
		return
	}

	pm := &ParsedMessage{
		Kind:    KindSubscription,
		Channel: wf.Params.Channel,
		Data:    wf.Params.Data,
	}

	d.subs.Add(1)

	handler := d.subTable[channelIndex(wf.Params.Channel)]
	if handler == nil {
		d.unroutedSub.Add(1)
		return
	}
	handler(pm)
}

// Stats returns a snapshot of dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		RPCOK:         d.rpcOK.Load(),
		RPCError:      d.rpcErr.Load(),
		Subscriptions: d.subs.Load(),
		Ignored:       d.ignored.Load(),
		ParseErrors:   d.parseErrs.Load(),
		UnroutedRPC:   d.unroutedRPC.Load(),
		UnroutedSub:   d.unroutedSub.Load(),
	}
}
