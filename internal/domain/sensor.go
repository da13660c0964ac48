package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Source labels shown next to the sensor readings.
const (
	SourceLive        = "live"
	SourcePlaceholder = "placeholder"

	backendSourceFirebase = "firebase"
)

// SensorSnapshot is one full reading of the 7-in-1 soil sensor.
type SensorSnapshot struct {
	Label        string   `json:"label,omitempty"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	SoilMoisture *float64 `json:"soil_moisture"`
	SoilPH       *float64 `json:"soil_ph"`
	EC           *float64 `json:"ec"`
	Nitrogen     *float64 `json:"nitrogen"`
	Phosphorus   *float64 `json:"phosphorus"`
	Potassium    *float64 `json:"potassium"`
	Battery      *float64 `json:"battery"`
	Timestamp    string   `json:"timestamp,omitempty"`
	Alerts       []string `json:"alerts"`
}

type snapshotAlias SensorSnapshot

// UnmarshalJSON accepts the "phosphorous" spelling some devices report.
func (s *SensorSnapshot) UnmarshalJSON(data []byte) error {
	var aux struct {
		snapshotAlias
		Phosphorous *float64 `json:"phosphorous"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = SensorSnapshot(aux.snapshotAlias)
	if s.Phosphorus == nil {
		s.Phosphorus = aux.Phosphorous
	}
	return nil
}

// LowBattery reports whether the battery is at or below 20%.
func (s *SensorSnapshot) LowBattery() bool {
	return s.Battery != nil && *s.Battery <= 20
}

// FeedEnvelope is the body of GET /sensors/feed/.
type FeedEnvelope struct {
	Sensors     []SensorSnapshot `json:"sensors"`
	LastUpdated string           `json:"last_updated"`
	Source      string           `json:"source"`
}

// First returns the first sensor in the envelope, or nil when there is none.
func (e *FeedEnvelope) First() *SensorSnapshot {
	if e == nil || len(e.Sensors) == 0 {
		return nil
	}
	s := e.Sensors[0]
	return &s
}

// SourceLabel maps the backend source onto the label the dashboard shows.
func SourceLabel(backendSource string) string {
	if backendSource == backendSourceFirebase {
		return SourceLive
	}
	return SourcePlaceholder
}

// ParseFeedTime parses the backend's last_updated value. The backend emits
// ISO 8601 with or without a zone.
func ParseFeedTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Alert severities.
const (
	AlertHigh    = "high"
	AlertLow     = "low"
	AlertWarning = "warning"
)

// SensorAlert is an alert string with its derived severity.
type SensorAlert struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ClassifyAlerts derives a severity for each alert message.
func ClassifyAlerts(alerts []string) []SensorAlert {
	out := make([]SensorAlert, 0, len(alerts))
	for _, a := range alerts {
		lower := strings.ToLower(a)
		sev := AlertWarning
		switch {
		case strings.Contains(lower, "high") || strings.Contains(lower, "exceeds"):
			sev = AlertHigh
		case strings.Contains(lower, "low") || strings.Contains(lower, "below"):
			sev = AlertLow
		}
		out = append(out, SensorAlert{Message: a, Severity: sev})
	}
	return out
}
