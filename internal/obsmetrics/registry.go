// Package obsmetrics wraps the Prometheus collectors shared across the
// core's components.
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the core exposes, registered against
// its own prometheus.Registry rather than the global default — so
// constructing more than one Registry in the same process (as tests do)
// never panics on duplicate registration.
type Registry struct {
	reg *prometheus.Registry

	Connected prometheus.Gauge

	HistoricalBatches prometheus.Counter
	HistoricalCandles prometheus.Counter
}

// DispatchStatsSource is the subset of dispatch.Dispatcher's surface the
// registry needs to mirror dispatch counters as gauges. Defined here
// rather than imported, so obsmetrics never depends on dispatch.
type DispatchStatsSource interface {
	Stats() DispatchStats
}

// DispatchStats mirrors dispatch.Stats's shape without importing it.
type DispatchStats struct {
	RPCOK         uint64
	RPCError      uint64
	Subscriptions uint64
	Ignored       uint64
	ParseErrors   uint64
	UnroutedRPC   uint64
	UnroutedSub   uint64
}

// ClientStatsSource is the subset of deribit.Client's surface the registry
// needs to mirror façade-level counters as gauges.
type ClientStatsSource interface {
	Stats() ClientStats
}

// ClientStats mirrors deribit.Client's Stats() shape without importing it.
type ClientStats struct {
	InboundDropped  uint64
	OutboundDropped uint64
	RateAdmitted    uint64
	RateDenied      uint64
	CallerTokens    float64
	SenderTokens    float64
}

// NewRegistry creates a private Prometheus registry and registers every
// collector against it.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deribit_ws_connected",
			Help: "1 if the transport is currently connected, 0 otherwise",
		}),
		HistoricalBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "deribit_ws_historical_batches_total",
			Help: "Historical candle batches fetched",
		}),
		HistoricalCandles: factory.NewCounter(prometheus.CounterOpts{
			Name: "deribit_ws_historical_candles_total",
			Help: "Historical candles collected across all fetches",
		}),
	}
}

// Handler exposes this registry's collectors over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// BindDispatcher registers gauges that mirror a dispatcher's counters.
// The dispatcher remains the single source of truth for counts; this only
// exposes a read-only snapshot via GaugeFunc, avoiding duplicate counting
// between the dispatch goroutine and the metrics registry.
func (r *Registry) BindDispatcher(src DispatchStatsSource) {
	factory := promauto.With(r.reg)
	mirror := func(name, help string, field func(DispatchStats) uint64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			return float64(field(src.Stats()))
		})
	}

	mirror("deribit_ws_dispatch_rpc_ok_total", "Successful RPC responses dispatched",
		func(s DispatchStats) uint64 { return s.RPCOK })
	mirror("deribit_ws_dispatch_rpc_error_total", "Error RPC responses dispatched",
		func(s DispatchStats) uint64 { return s.RPCError })
	mirror("deribit_ws_dispatch_subscription_total", "Subscription notifications dispatched",
		func(s DispatchStats) uint64 { return s.Subscriptions })
	mirror("deribit_ws_dispatch_ignored_total", "Frames classified as ignored",
		func(s DispatchStats) uint64 { return s.Ignored })
	mirror("deribit_ws_dispatch_parse_errors_total", "Frames that failed JSON parsing",
		func(s DispatchStats) uint64 { return s.ParseErrors })
	mirror("deribit_ws_dispatch_unrouted_rpc_total", "RPC responses with no active handler slot",
		func(s DispatchStats) uint64 { return s.UnroutedRPC })
	mirror("deribit_ws_dispatch_unrouted_sub_total", "Subscription notifications with no registered handler",
		func(s DispatchStats) uint64 { return s.UnroutedSub })
}

// BindClient registers gauges mirroring a façade's inbound/outbound drop
// and rate-gate counters, the same GaugeFunc-over-snapshot approach
// BindDispatcher uses.
func (r *Registry) BindClient(src ClientStatsSource) {
	factory := promauto.With(r.reg)
	mirror := func(name, help string, field func(ClientStats) uint64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			return float64(field(src.Stats()))
		})
	}
	mirrorFloat := func(name, help string, field func(ClientStats) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 {
			return field(src.Stats())
		})
	}

	mirror("deribit_ws_inbound_dropped_total", "Frames dropped because the inbound queue was full",
		func(s ClientStats) uint64 { return s.InboundDropped })
	mirror("deribit_ws_outbound_dropped_total", "Frames dropped because the outbound queue was full",
		func(s ClientStats) uint64 { return s.OutboundDropped })
	mirror("deribit_ws_rate_limit_admitted_total", "Calls admitted by the façade rate gate",
		func(s ClientStats) uint64 { return s.RateAdmitted })
	mirror("deribit_ws_rate_limit_denied_total", "Calls denied by the façade rate gate",
		func(s ClientStats) uint64 { return s.RateDenied })
	mirrorFloat("deribit_ws_rate_limit_caller_tokens", "Tokens currently available in the caller-side rate gate",
		func(s ClientStats) float64 { return s.CallerTokens })
	mirrorFloat("deribit_ws_rate_limit_sender_tokens", "Tokens currently available in the sender's wire-pacing gate",
		func(s ClientStats) float64 { return s.SenderTokens })
}

// SetConnected reports the current transport connection state.
func (r *Registry) SetConnected(connected bool) {
	if connected {
		r.Connected.Set(1)
	} else {
		r.Connected.Set(0)
	}
}
