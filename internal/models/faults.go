package models

import (
	"fmt"
	"time"
)

// FaultKind is the closed set of fault classifications the supervisor
// handles. Adding a kind means adding a handler; there is no string
// matching anywhere in the dispatch path.
type FaultKind int

const (
	// FaultChannel is a transport-level control channel failure,
	// retryable up to a caller-supplied deadline.
	FaultChannel FaultKind = iota
	// FaultValidation is a failed preflight check, retried wholesale.
	FaultValidation
	// FaultContent means the current playable item errored or stalled.
	FaultContent
	// FaultEngine means the control engine stopped responding.
	FaultEngine
	// FaultDestination means the outbound broadcast connection dropped.
	FaultDestination
	// FaultNetwork means throughput degraded without a full drop.
	FaultNetwork
	// FaultManualStop means streaming was observed stopped out-of-band.
	FaultManualStop
	// FaultTerminal means both primary and fallback content are gone.
	// No automatic retry; operator action required.
	FaultTerminal
)

func (k FaultKind) String() string {
	switch k {
	case FaultChannel:
		return "channel"
	case FaultValidation:
		return "validation"
	case FaultContent:
		return "content"
	case FaultEngine:
		return "engine"
	case FaultDestination:
		return "destination"
	case FaultNetwork:
		return "network"
	case FaultManualStop:
		return "manual-stop"
	case FaultTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Cause maps a fault kind onto the downtime ledger cause vocabulary.
func (k FaultKind) Cause() string {
	switch k {
	case FaultContent, FaultTerminal:
		return CauseContentFailure
	case FaultEngine:
		return CauseEngineUnresponsive
	case FaultDestination:
		return CauseConnectionLost
	case FaultNetwork:
		return CauseNetworkDegraded
	case FaultManualStop:
		return CauseManualStop
	default:
		return CauseNetworkDegraded
	}
}

// Retryable reports whether the fault has an automatic recovery path.
func (k FaultKind) Retryable() bool {
	return k != FaultTerminal
}

// Fault is the error type carried through the supervisor.
type Fault struct {
	Kind   FaultKind
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s fault: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s fault: %s", f.Kind, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a fault with a detail message.
func NewFault(kind FaultKind, detail string, err error) *Fault {
	return &Fault{Kind: kind, Detail: detail, Err: err}
}

// SignalKind identifies an observation flowing between components.
type SignalKind int

const (
	// SignalHealthy is a sample showing streaming + connected.
	SignalHealthy SignalKind = iota
	// SignalDegradedQuality is a dropped-frames warning; it never
	// triggers failover on its own.
	SignalDegradedQuality
	// SignalPossibleFailure means the engine gave no response within
	// the unresponsive threshold.
	SignalPossibleFailure
	// SignalContentFailure means the playing item errored or stalled.
	SignalContentFailure
	// SignalDestinationLost means the outbound connection dropped.
	SignalDestinationLost
	// SignalDestinationRestored means the reconnect loop succeeded.
	SignalDestinationRestored
	// SignalManualStop means streaming was stopped out-of-band.
	SignalManualStop
)

func (k SignalKind) String() string {
	switch k {
	case SignalHealthy:
		return "healthy"
	case SignalDegradedQuality:
		return "degraded-quality"
	case SignalPossibleFailure:
		return "possible-failure"
	case SignalContentFailure:
		return "content-failure"
	case SignalDestinationLost:
		return "destination-lost"
	case SignalDestinationRestored:
		return "destination-restored"
	case SignalManualStop:
		return "manual-stop"
	default:
		return "unknown"
	}
}

// Signal is one observation emitted by the health monitor or the
// session manager and consumed by the failover manager.
type Signal struct {
	Kind   SignalKind
	At     time.Time
	Detail string
	Metric *HealthMetric
}
