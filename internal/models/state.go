package models

// ExchangeState is the lifecycle state of one chat exchange.
type ExchangeState int

const (
	// StateIdle means no request is in flight and new input is accepted.
	StateIdle ExchangeState = iota
	// StateSending means the user message is appended and the identity or the response headers are
	// being awaited.
	StateSending
	// StateStreaming means the response body is open and deltas are being appended.
	StateStreaming
	// StateSettled means the stream ended or the request failed. It is followed by StateIdle.
	StateSettled
)

func (s ExchangeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Busy reports whether an exchange is in flight.
func (s ExchangeState) Busy() bool {
	return s == StateSending || s == StateStreaming
}
