// Package historical implements paginated fetching of historical OHLCV
// candles via Deribit's public/get_tradingview_chart_data.
package historical

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/deribit/ws-core/internal/dispatch"
)

// sentinelRPCID is reused for every batch of a single FetchN call. Callers
// must not run two FetchN calls concurrently on the same RPCSender: the
// dispatcher's fixed RPC table has one slot per id, and a second
// concurrent fetch would overwrite the first's handler before its
// response arrives.
const sentinelRPCID = 0xC0FFEE

const (
	maxBatchSize  = 1000
	batchTimeout  = 5 * time.Second
	denyRetryWait = 200 * time.Millisecond
)

// RPCSender is the narrow façade capability the fetcher needs. Satisfied
// by *deribit.Client.
type RPCSender interface {
	SendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool
}

// Params describes one historical fetch request.
type Params struct {
	Instrument string
	// Resolution is the Deribit resolution string: "1", "3", "5", "10",
	// "15", "30", "60", "120", "180", "360", "720", or "1D".
	Resolution string
	// Count is the number of most-recent candles to return.
	Count int
	// EndMs is the end of the requested window in epoch milliseconds. Zero
	// means "now".
	EndMs int64
	// OnBatch, if set, is called once per batch that returned candles, with
	// the number it returned — the hook metrics export binds to. An empty
	// batch ends the fetch without a call.
	OnBatch func(candles int)
}

// resolutionPeriodMs returns the bucket width in milliseconds for a
// resolution string. "1D" is rewritten to its 1440-minute equivalent for
// this arithmetic; the wire resolution parameter itself is sent
// unchanged.
func resolutionPeriodMs(resolution string) (int64, error) {
	if resolution == "1D" {
		return 1440 * 60 * 1000, nil
	}
	var minutes int64
	if _, err := fmt.Sscanf(resolution, "%d", &minutes); err != nil || minutes <= 0 {
		return 0, fmt.Errorf("historical: unrecognized resolution %q", resolution)
	}
	return minutes * 60 * 1000, nil
}

type chartDataResult struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
	Cost   []float64 `json:"cost"`
}

func (r *chartDataResult) toCandles() []Candle {
	out := make([]Candle, 0, len(r.Ticks))
	for i, ts := range r.Ticks {
		c := Candle{TsMs: ts}
		if i < len(r.Open) {
			c.Open = r.Open[i]
		}
		if i < len(r.High) {
			c.High = r.High[i]
		}
		if i < len(r.Low) {
			c.Low = r.Low[i]
		}
		if i < len(r.Close) {
			c.Close = r.Close[i]
		}
		if i < len(r.Volume) {
			c.Volume = r.Volume[i]
		}
		if i < len(r.Cost) {
			c.Cost = r.Cost[i]
		}
		out = append(out, c)
	}
	return out
}

type batchOutcome struct {
	candles []Candle
	err     error
}

// FetchN pages backward from params.EndMs (or now) in batches of at most
// 1000 until count candles are collected, the exchange stops returning
// data, or a batch times out, then returns the count most recent candles
// sorted ascending by timestamp. Returns fewer than count when the
// exchange has no more history to give or a batch request times out.
func FetchN(sender RPCSender, params Params) ([]Candle, error) {
	periodMs, err := resolutionPeriodMs(params.Resolution)
	if err != nil {
		return nil, err
	}

	endMs := params.EndMs
	if endMs == 0 {
		endMs = time.Now().UnixMilli()
	}

	var collected []Candle

fetchLoop:
	for len(collected) < params.Count {
		remaining := params.Count - len(collected)
		batchSize := remaining
		if batchSize > maxBatchSize {
			batchSize = maxBatchSize
		}

		// Inclusive window: batchSize candles span batchSize-1 intervals.
		startMs := endMs - int64(batchSize-1)*periodMs

		reqParams, err := json.Marshal(struct {
			InstrumentName string `json:"instrument_name"`
			StartTimestamp int64  `json:"start_timestamp"`
			EndTimestamp   int64  `json:"end_timestamp"`
			Resolution     string `json:"resolution"`
		}{
			InstrumentName: params.Instrument,
			StartTimestamp: startMs,
			EndTimestamp:   endMs,
			Resolution:     params.Resolution,
		})
		if err != nil {
			return nil, fmt.Errorf("historical: marshal params: %w", err)
		}

		outcome := make(chan batchOutcome, 1)
		handler := dispatch.RPCHandler{
			OnSuccess: func(pm *dispatch.ParsedMessage) {
				var res chartDataResult
				if err := json.Unmarshal(pm.Result, &res); err != nil {
					outcome <- batchOutcome{err: fmt.Errorf("historical: parse batch: %w", err)}
					return
				}
				outcome <- batchOutcome{candles: res.toCandles()}
			},
			OnError: func(pm *dispatch.ParsedMessage) {
				outcome <- batchOutcome{err: fmt.Errorf("historical: batch error %d: %s", pm.ErrorCode, pm.ErrorMsg)}
			},
		}

		// Registration happens once per batch; a rate-gate denial below
		// retries the send without re-registering the handler.
		for !sender.SendRPC(sentinelRPCID, "public/get_tradingview_chart_data", reqParams, handler) {
			time.Sleep(denyRetryWait)
		}

		var batch []Candle
		select {
		case res := <-outcome:
			if res.err != nil {
				return nil, res.err
			}
			batch = res.candles
		case <-time.After(batchTimeout):
			break fetchLoop // stop collecting; return whatever was gathered so far
		}

		if len(batch) == 0 {
			break // exchange has no more history to give
		}

		if params.OnBatch != nil {
			params.OnBatch(len(batch))
		}

		collected = append(collected, batch...)

		endMs = startMs - 1
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].TsMs < collected[j].TsMs })

	if len(collected) > params.Count {
		collected = collected[len(collected)-params.Count:]
	}

	return collected, nil
}
