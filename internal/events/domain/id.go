package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewEventID builds a unique event id from the creation time and a random suffix.
func NewEventID(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 36) + "-" + uuid.NewString()
}
