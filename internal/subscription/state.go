package subscription

import (
	"time"

	"camera-events/internal/device"
)

// State is the lifecycle state of the device subscription.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSubscribing   State = "subscribing"
	StateActive        State = "active"
	StateDegraded      State = "degraded"
	StateRecreating    State = "recreating"
	StateDisabled      State = "disabled"
)

var allStates = []string{
	string(StateUninitialized),
	string(StateSubscribing),
	string(StateActive),
	string(StateDegraded),
	string(StateRecreating),
	string(StateDisabled),
}

// Subscription is a read-only snapshot of the managed subscription.
type Subscription struct {
	ID           string      `json:"id,omitempty"`
	Mode         device.Mode `json:"mode"`
	State        State       `json:"state"`
	RetryCount   int         `json:"retryCount"`
	LastActivity time.Time   `json:"lastActivity,omitempty"`
	TerminateAt  time.Time   `json:"terminateAt,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
}
