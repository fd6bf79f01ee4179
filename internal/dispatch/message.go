package dispatch

import "encoding/json"

// Kind classifies one parsed inbound frame.
type Kind int

const (
	KindIgnored Kind = iota
	KindRPCOK
	KindRPCError
	KindSubscription
)

// ParsedMessage is the immutable view produced for exactly one incoming
// frame. The dispatch contract covers Channel/Data/Result/ErrorMsg only for
// the duration of the dispatch callback, so handlers that keep any of them
// past return copy them explicitly (e.g. string(pm.Result) or
// append([]byte(nil), pm.Data...)). Decoding is not zero-copy:
// encoding/json copies these fields out of the frame, so they do not alias
// the frame's buffer.
type ParsedMessage struct {
	Kind Kind

	ID uint64 // valid only for KindRPCOK / KindRPCError

	ErrorCode int64
	ErrorMsg  string

	Channel string
	Data    json.RawMessage

	Result json.RawMessage

	// AccessToken is owned (copied out of Result) and, unlike the other
	// fields, is covered by the contract beyond the call.
	AccessToken string

	HasTiming bool
	USIn      uint64
	USOut     uint64
	USDiff    uint64
}
