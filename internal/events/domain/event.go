package domain

import (
	"time"
)

// Transport identifies how a notification reached the process.
type Transport string

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// RawNotification is an undecoded notification body as received from the device.
type RawNotification struct {
	Payload    []byte
	ReceivedAt time.Time
	Transport  Transport
}

// Event is a normalized device notification.
type Event struct {
	ID         string
	Timestamp  time.Time
	Category   string
	SourceTag  string
	Topic      string
	Operation  string
	Attributes map[string]string
	Data       map[string]string
	RawPayload []byte
}

// Attribute returns a source/key attribute value.
func (e Event) Attribute(name string) (string, bool) {
	value, ok := e.Attributes[name]
	return value, ok
}

// DataValue returns a data item value.
func (e Event) DataValue(name string) (string, bool) {
	value, ok := e.Data[name]
	return value, ok
}

// CloneData returns a copy of the data items safe for mutation.
func (e Event) CloneData() map[string]string {
	return cloneMap(e.Data)
}

// CloneAttributes returns a copy of the attribute items safe for mutation.
func (e Event) CloneAttributes() map[string]string {
	return cloneMap(e.Attributes)
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
