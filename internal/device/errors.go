package device

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError reports a call that failed below the protocol layer:
// network failure, timeout, or a response that is not a protocol message.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SubscriptionError reports a subscription call the device rejected.
type SubscriptionError struct {
	Op     string
	Code   string
	Reason string
}

func (e *SubscriptionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("device %s: rejected: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("device %s: rejected (%s): %s", e.Op, e.Code, e.Reason)
}

var goneMarkers = []string{
	"resourceunknown",
	"unabletodestroysubscription",
	"invalidsubscription",
	"subscription not found",
	"expired",
}

// IsSubscriptionGone reports whether err says the subscription resource no
// longer exists on the device, so retrying the same handle is pointless.
func IsSubscriptionGone(err error) bool {
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		return false
	}
	text := strings.ToLower(subErr.Code + " " + subErr.Reason)
	for _, marker := range goneMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
