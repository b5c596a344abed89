package domain

import "strings"

const (
	CategoryUnknown         = "unknown"
	CategoryPeopleDetection = "peopledetection"
	CategoryObjectDetection = "objectdetection"
)

// Classify derives an event category from a notification topic.
//
// Only the last path segment is inspected. Topics without a path separator
// classify as unknown.
func Classify(topic string) string {
	topic = strings.TrimSpace(topic)
	idx := strings.LastIndex(topic, "/")
	if topic == "" || idx < 0 {
		return CategoryUnknown
	}
	segment := strings.ToLower(topic[idx+1:])
	switch {
	case strings.Contains(segment, "people"),
		strings.Contains(segment, "human"),
		strings.Contains(segment, "person"):
		return CategoryPeopleDetection
	case strings.Contains(segment, "object") && strings.Contains(strings.ToLower(topic), "analytics"):
		return CategoryObjectDetection
	}
	category := slug(segment)
	if category == "" {
		return CategoryUnknown
	}
	return category
}

func slug(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	pendingSep := false
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
