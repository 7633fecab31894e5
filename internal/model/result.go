package model

import "fmt"

// ResultState enumerates the four states a single recipient's delivery can
// be in. It is a closed set; DeliveryResult never needs a fifth state.
type ResultState int

const (
	// StateQueued means no delivery attempt has been made yet.
	StateQueued ResultState = iota
	// StateDeferred means at least one attempt failed transiently; the
	// worker will retry unless the attempt budget is exhausted.
	StateDeferred
	// StateDelivered means the remote server accepted the message for this
	// recipient. It is terminal.
	StateDelivered
	// StateFailed means delivery permanently failed for this recipient,
	// either because the remote server rejected it outright or because the
	// retry budget was exhausted. It is terminal.
	StateFailed
)

func (s ResultState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDeferred:
		return "deferred"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeliveryResult records the outcome of attempting to deliver a message to
// a single recipient. Only one of Attempts/Response/Reason is meaningful,
// depending on State; never construct one by hand outside this package's
// constructors.
type DeliveryResult struct {
	State    ResultState
	Attempts uint8  // meaningful only when State == StateDeferred
	Reason   string // meaningful when State == StateDeferred or StateFailed
	Response string // meaningful only when State == StateDelivered
}

func Queued() DeliveryResult {
	return DeliveryResult{State: StateQueued}
}

func Deferred(attempts uint8, reason string) DeliveryResult {
	return DeliveryResult{State: StateDeferred, Attempts: attempts, Reason: reason}
}

func Delivered(response string) DeliveryResult {
	return DeliveryResult{State: StateDelivered, Response: response}
}

func Failed(reason string) DeliveryResult {
	return DeliveryResult{State: StateFailed, Reason: reason}
}

// Completed reports whether this result is terminal (Delivered or Failed).
// Queued and Deferred results are not yet completed.
func (d DeliveryResult) Completed() bool {
	return d.State == StateDelivered || d.State == StateFailed
}

func (d DeliveryResult) String() string {
	switch d.State {
	case StateQueued:
		return "queued"
	case StateDeferred:
		return fmt.Sprintf("deferred(attempts=%d): %s", d.Attempts, d.Reason)
	case StateDelivered:
		return fmt.Sprintf("delivered: %s", d.Response)
	case StateFailed:
		return fmt.Sprintf("failed: %s", d.Reason)
	default:
		return "unknown"
	}
}
