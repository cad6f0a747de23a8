package notification

import (
	"bytes"
	"html/template"
	"time"

	"github.com/k3a/html2text"

	"github.com/hydrowatch/hydrowatch/internal/conf"
	"github.com/hydrowatch/hydrowatch/internal/datastore/entities"
)

// Message is a rendered alert notification.
type Message struct {
	Title string
	// HTML is the rich body used by email.
	HTML string
	// Text is the plain body used by chat services.
	Text    string
	Payload Payload
}

// Payload is the structured form sent by the webhook and MQTT channels.
type Payload struct {
	AlertID       string             `json:"alert_id"`
	SensorID      string             `json:"sensor_id"`
	Location      string             `json:"location,omitempty"`
	AlertType     entities.AlertType `json:"alert_type"`
	Severity      entities.Severity  `json:"severity"`
	Title         string             `json:"title"`
	Message       string             `json:"message"`
	ThresholdInfo string             `json:"threshold_info"`
	CreatedAt     time.Time          `json:"created_at"`
	Escalated     bool               `json:"escalated"`
	SentAt        time.Time          `json:"sent_at"`
}

var bodyTemplate = template.Must(template.New("alert").Parse(`<h2>{{.Title}}</h2>
<p>{{.Message}}</p>
<table>
<tr><td><b>Sensor</b></td><td>{{.SensorID}}{{if .Location}} ({{.Location}}){{end}}</td></tr>
<tr><td><b>Severity</b></td><td>{{.Severity}}{{if .Escalated}} (escalated from warning){{end}}</td></tr>
<tr><td><b>Condition</b></td><td>{{.ThresholdInfo}}</td></tr>
<tr><td><b>Active since</b></td><td>{{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
</table>`))

// NewAlertMessage renders the notification for alert on sensor.
func NewAlertMessage(sensor *conf.SensorConfig, alert *entities.Alert, escalated bool, now time.Time) (*Message, error) {
	p := Payload{
		AlertID:       alert.ID,
		SensorID:      alert.SensorID,
		Location:      sensor.Location,
		AlertType:     alert.AlertType,
		Severity:      alert.Severity,
		Title:         alert.Title,
		Message:       alert.Message,
		ThresholdInfo: alert.ThresholdInfo,
		CreatedAt:     alert.CreatedAt,
		Escalated:     escalated,
		SentAt:        now.UTC(),
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, p); err != nil {
		return nil, err
	}
	body := buf.String()

	title := alert.Title
	if alert.Severity == entities.SeverityCritical {
		title = "[CRITICAL] " + title
	}

	return &Message{
		Title:   title,
		HTML:    body,
		Text:    html2text.HTML2Text(body),
		Payload: p,
	}, nil
}

// NewTestMessage renders a sample warning for checking that a channel
// delivers.
func NewTestMessage(now time.Time) (*Message, error) {
	sensor := &conf.SensorConfig{SensorID: "test-sensor", Location: "Test location"}
	alert := &entities.Alert{
		ID:            "test",
		SensorID:      sensor.SensorID,
		AlertType:     entities.AlertTypePH,
		Severity:      entities.SeverityWarning,
		Title:         "Test notification from HydroWatch",
		Message:       "This is a test message. No action is needed.",
		ThresholdInfo: "pH 5.20 below warning minimum 5.50",
		CreatedAt:     now.UTC(),
	}
	return NewAlertMessage(sensor, alert, false, now)
}
