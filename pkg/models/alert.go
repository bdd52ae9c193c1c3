package models

import (
	"fmt"
	"time"
)

// Severity is the categorical threat level of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a stored severity string into a Severity
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown alert severity %q", s)
	}
}

// Rank orders severities from info upward. Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertStatus is the review state of an alert
type AlertStatus string

const (
	AlertStatusNew       AlertStatus = "new"
	AlertStatusReviewed  AlertStatus = "reviewed"
	AlertStatusDismissed AlertStatus = "dismissed"
)

// AlertKind distinguishes per-message alerts from scan summaries
type AlertKind string

const (
	AlertKindMessage     AlertKind = "message"
	AlertKindScanSummary AlertKind = "scan_summary"
)

// Location is a best-effort device position
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	IsRealGPS bool    `json:"is_real_gps"`
}

// LocationQuality is the location attached to an alert.
// Alerts with IsDefault set are counted in statistics but kept off maps.
type LocationQuality struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	IsDefault bool    `json:"is_default"`
	ShowOnMap bool    `json:"show_on_map"`
}

// FraudAlert is an alert produced for a suspicious or fraudulent message
type FraudAlert struct {
	AlertID         string          `json:"alert_id"`
	AccountID       string          `json:"account_id"`
	MessageID       string          `json:"message_id"`
	Kind            AlertKind       `json:"kind"`
	Severity        Severity        `json:"severity"`
	RiskScore       int             `json:"risk_score"`
	MessageStatus   Status          `json:"message_status"`
	Confidence      float64         `json:"confidence"`
	Sender          string          `json:"sender,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Preview         string          `json:"preview,omitempty"`
	Indicators      []string        `json:"indicators,omitempty"`
	LocationQuality LocationQuality `json:"location_quality"`
	Status          AlertStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CounterDelta is an increment of the daily dashboard counters
type CounterDelta struct {
	Messages   int64
	Fraud      int64
	Suspicious int64
	Safe       int64
	Alerts     int64
}
