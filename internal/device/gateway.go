// Package device defines the contract with the remote camera used for event
// subscriptions.
package device

import (
	"context"
	"time"

	"camera-events/internal/events/domain"
)

// Mode selects how notifications reach the process.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePush || m == ModePoll
}

// Handle identifies a subscription resource on the device.
type Handle struct {
	ID          string
	Address     string
	Mode        Mode
	TerminateAt time.Time
}

// IsZero reports whether h refers to no subscription.
func (h Handle) IsZero() bool {
	return h.Address == "" && h.ID == ""
}

// Info is the device identity returned by the device management service.
type Info struct {
	Hostname     string
	Manufacturer string
	Model        string
	Firmware     string
	Serial       string
}

// Gateway is the subset of the device protocol used for event subscriptions.
// Every call must honor ctx cancellation.
type Gateway interface {
	CreateSubscription(ctx context.Context, mode Mode) (Handle, error)
	Subscribe(ctx context.Context, handle Handle, callbackURL string) (Handle, error)
	Poll(ctx context.Context, handle Handle, limit int, timeout time.Duration) ([]domain.RawNotification, error)
	Unsubscribe(ctx context.Context, handle Handle) error
	Renew(ctx context.Context, handle Handle) error
	DeviceInfo(ctx context.Context) (Info, error)
}
