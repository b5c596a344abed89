package notify

import (
	"strings"
	"time"

	"camera-events/internal/events/domain"
)

// Severity levels attached to alerts.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var severityByCategory = map[string]string{
	domain.CategoryPeopleDetection: SeverityHigh,
	"tamper":                       SeverityCritical,
	"tampering":                    SeverityCritical,
	"motionalarm":                  SeverityMedium,
	"motion":                       SeverityMedium,
	domain.CategoryObjectDetection: SeverityMedium,
	"device":                       SeverityLow,
}

// SeverityFor maps a category to its alert severity.
func SeverityFor(category string) string {
	if severity, ok := severityByCategory[category]; ok {
		return severity
	}
	return SeverityMedium
}

// CameraInfo identifies the device in alerts.
type CameraInfo struct {
	Hostname     string `json:"hostname"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Serial       string `json:"serial,omitempty"`
}

// AlertPayload is the JSON body posted to the webhook.
type AlertPayload struct {
	EventID    string            `json:"eventId"`
	EventType  string            `json:"eventType"`
	Timestamp  string            `json:"timestamp"`
	Topic      string            `json:"topic"`
	Source     string            `json:"source"`
	Operation  string            `json:"operation,omitempty"`
	Data       map[string]string `json:"data"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CameraInfo *CameraInfo       `json:"cameraInfo,omitempty"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
}

// BuildPayload assembles the alert for evt. camera may be nil.
func BuildPayload(evt domain.Event, camera *CameraInfo, tpl *Template) (AlertPayload, error) {
	severity := SeverityFor(evt.Category)
	payload := AlertPayload{
		EventID:    evt.ID,
		EventType:  evt.Category,
		Timestamp:  evt.Timestamp.UTC().Format(time.RFC3339),
		Topic:      evt.Topic,
		Source:     evt.SourceTag,
		Operation:  evt.Operation,
		Data:       evt.CloneData(),
		Attributes: evt.CloneAttributes(),
		Severity:   severity,
	}
	if camera != nil {
		info := *camera
		payload.CameraInfo = &info
	}

	cameraName := "camera"
	if camera != nil && camera.Hostname != "" {
		cameraName = camera.Hostname
	}
	message, err := tpl.Render(TemplateData{
		Label:    categoryLabel(evt.Category),
		Category: evt.Category,
		Camera:   cameraName,
		Time:     payload.Timestamp,
		Topic:    evt.Topic,
		Severity: severity,
	})
	if err != nil {
		return AlertPayload{}, err
	}
	payload.Message = strings.TrimSpace(message)
	return payload, nil
}

func categoryLabel(category string) string {
	switch category {
	case domain.CategoryPeopleDetection:
		return "Person detected"
	case domain.CategoryObjectDetection:
		return "Object detected"
	case "motionalarm", "motion":
		return "Motion detected"
	case "tamper", "tampering":
		return "Tampering detected"
	case "", domain.CategoryUnknown:
		return "Camera event"
	}
	label := strings.ReplaceAll(category, "_", " ")
	return strings.ToUpper(label[:1]) + label[1:]
}
