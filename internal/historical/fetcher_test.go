package historical

import (
	"encoding/json"
	"testing"

	"github.com/deribit/ws-core/internal/dispatch"
)

// scriptedSender answers each SendRPC call with the next canned result in
// order, invoking the handler synchronously as the dispatcher would.
type scriptedSender struct {
	results []chartDataResult
	calls   int
}

func (s *scriptedSender) SendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool {
	if id != sentinelRPCID || method != "public/get_tradingview_chart_data" {
		return false
	}
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		handler.OnError(&dispatch.ParsedMessage{ErrorCode: -1, ErrorMsg: "no more scripted results"})
		return true
	}
	raw, _ := json.Marshal(s.results[idx])
	handler.OnSuccess(&dispatch.ParsedMessage{Result: raw})
	return true
}

func TestFetchNSingleBatch(t *testing.T) {
	sender := &scriptedSender{
		results: []chartDataResult{
			{
				Status: "ok",
				Ticks:  []int64{1000, 2000, 3000},
				Open:   []float64{1, 2, 3},
				High:   []float64{1.5, 2.5, 3.5},
				Low:    []float64{0.5, 1.5, 2.5},
				Close:  []float64{1.2, 2.2, 3.2},
				Volume: []float64{10, 20, 30},
				Cost:   []float64{100, 200, 300},
			},
		},
	}

	got, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 3})
	if err != nil {
		t.Fatalf("FetchN: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TsMs < got[i-1].TsMs {
			t.Fatalf("candles not sorted ascending: %+v", got)
		}
	}
	if got[0].TsMs != 1000 || got[2].TsMs != 3000 {
		t.Fatalf("unexpected candle order: %+v", got)
	}
}

func TestFetchNPaginatesAcrossBatches(t *testing.T) {
	sender := &scriptedSender{
		results: []chartDataResult{
			{Status: "ok", Ticks: []int64{4000, 5000}, Open: []float64{4, 5}, Close: []float64{4, 5}},
			{Status: "ok", Ticks: []int64{1000, 2000, 3000}, Open: []float64{1, 2, 3}, Close: []float64{1, 2, 3}},
		},
	}

	got, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 4, EndMs: 6000})
	if err != nil {
		t.Fatalf("FetchN: %v", err)
	}
	if sender.calls != 2 {
		t.Fatalf("expected 2 batches, got %d", sender.calls)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4 (oldest dropped)", len(got))
	}
	if got[0].TsMs != 2000 {
		t.Fatalf("expected oldest-excess trim to drop ts=1000, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TsMs <= got[i-1].TsMs {
			t.Fatalf("candles not strictly ascending: %+v", got)
		}
	}
}

func TestFetchNStopsWhenExchangeHasNoMoreHistory(t *testing.T) {
	sender := &scriptedSender{
		results: []chartDataResult{
			{Status: "ok", Ticks: []int64{1000}, Open: []float64{1}},
			{Status: "ok", Ticks: []int64{}},
		},
	}

	got, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 10})
	if err != nil {
		t.Fatalf("FetchN: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected fetch to stop early with only 1 candle available, got %d", len(got))
	}
}

// stallingSender answers the first call normally, then never invokes the
// handler again, forcing the next batch to hit FetchN's batch timeout.
type stallingSender struct {
	first chartDataResult
	calls int
}

func (s *stallingSender) SendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool {
	s.calls++
	if s.calls == 1 {
		raw, _ := json.Marshal(s.first)
		handler.OnSuccess(&dispatch.ParsedMessage{Result: raw})
	}
	// Subsequent calls: never answer, so the batch times out.
	return true
}

func TestFetchNReturnsPartialResultsOnBatchTimeout(t *testing.T) {
	sender := &stallingSender{
		first: chartDataResult{Status: "ok", Ticks: []int64{5000}, Open: []float64{1}},
	}

	got, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 10, EndMs: 5000})
	if err != nil {
		t.Fatalf("expected no error on batch timeout, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the partial batch collected before the timeout, got %d candles", len(got))
	}
	if got[0].TsMs != 5000 {
		t.Fatalf("unexpected candle returned: %+v", got)
	}
}

func TestFetchNPropagatesRPCError(t *testing.T) {
	sender := &scriptedSender{}
	_, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 1})
	if err == nil {
		t.Fatalf("expected error when exchange returns an error response")
	}
}

// capturingSender records the request params of every SendRPC call
// alongside answering like scriptedSender.
type capturingSender struct {
	scriptedSender
	sentParams []json.RawMessage
}

func (s *capturingSender) SendRPC(id uint64, method string, params json.RawMessage, handler dispatch.RPCHandler) bool {
	s.sentParams = append(s.sentParams, params)
	return s.scriptedSender.SendRPC(id, method, params, handler)
}

func TestFetchNSingleCandleWindowIsZeroWidth(t *testing.T) {
	sender := &capturingSender{
		scriptedSender: scriptedSender{
			results: []chartDataResult{
				{Status: "ok", Ticks: []int64{6000}, Open: []float64{1}},
			},
		},
	}

	got, err := FetchN(sender, Params{Instrument: "BTC-PERPETUAL", Resolution: "1", Count: 1, EndMs: 6000})
	if err != nil {
		t.Fatalf("FetchN: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if len(sender.sentParams) != 1 {
		t.Fatalf("expected exactly 1 RPC for N=1, got %d", len(sender.sentParams))
	}

	var req struct {
		StartTimestamp int64 `json:"start_timestamp"`
		EndTimestamp   int64 `json:"end_timestamp"`
	}
	if err := json.Unmarshal(sender.sentParams[0], &req); err != nil {
		t.Fatalf("unmarshal request params: %v", err)
	}
	if req.StartTimestamp != req.EndTimestamp {
		t.Fatalf("N=1 window not zero-width: start=%d end=%d", req.StartTimestamp, req.EndTimestamp)
	}
	if req.EndTimestamp != 6000 {
		t.Fatalf("end_timestamp = %d, want 6000", req.EndTimestamp)
	}
}

func TestResolutionPeriodMsHandlesDailyRewrite(t *testing.T) {
	ms, err := resolutionPeriodMs("1D")
	if err != nil {
		t.Fatalf("resolutionPeriodMs: %v", err)
	}
	if want := int64(1440 * 60 * 1000); ms != want {
		t.Fatalf("period = %d, want %d", ms, want)
	}
}

func TestResolutionPeriodMsRejectsGarbage(t *testing.T) {
	if _, err := resolutionPeriodMs("bogus"); err == nil {
		t.Fatalf("expected error for unrecognized resolution")
	}
}
