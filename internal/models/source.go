package models

import "time"

// Tier classifies the depth of an exchange integration. Tier 1 venues run a
// native streaming adapter; tier 2 venues are reached through the generic
// REST bridge. The tier feeds the aggregator's weight multiplier only and
// never gates eligibility.
type Tier int

const (
	TierNative Tier = 1
	TierBridge Tier = 2
)

func (t Tier) String() string {
	switch t {
	case TierNative:
		return "native"
	case TierBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Capabilities describes what a source integration supports.
type Capabilities struct {
	SupportsStream bool `json:"supports_stream"`
	SupportsREST   bool `json:"supports_rest"`
	SupportsVolume bool `json:"supports_volume"`
}

// ConnectionState is the adapter connection lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange records one adapter connection-state transition.
type StateChange struct {
	Source string          `json:"source"`
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	At     time.Time       `json:"at"`
}

// SourceStatus is the health classification the data manager assigns to a
// source. A source that was unhealthy and came back is "recovered" until
// the failover coordinator confirms stability.
type SourceStatus string

const (
	SourceHealthy   SourceStatus = "healthy"
	SourceUnhealthy SourceStatus = "unhealthy"
	SourceRecovered SourceStatus = "recovered"
)

// SourceHealth is the per-source health record kept by the data manager.
// Counters are monotonic for the lifetime of the process.
type SourceHealth struct {
	Status        SourceStatus `json:"status"`
	ErrorCount    int64        `json:"error_count"`
	RecoveryCount int64        `json:"recovery_count"`
	LastUpdate    time.Time    `json:"last_update"`
}
