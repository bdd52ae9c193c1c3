package models

import (
	"fmt"
	"time"
)

// Status is the classification outcome of a device message
type Status string

const (
	StatusSafe        Status = "safe"
	StatusSuspicious  Status = "suspicious"
	StatusFraud       Status = "fraud"
	StatusUnknown     Status = "unknown"
	StatusBlocked     Status = "blocked"
	StatusUnderReview Status = "under_review"
)

// ParseStatus converts a stored status string into a Status
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSafe, StatusSuspicious, StatusFraud, StatusUnknown, StatusBlocked, StatusUnderReview:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown message status %q", s)
	}
}

// IsThreat reports whether the status produces a fraud alert
func (s Status) IsThreat() bool {
	switch s {
	case StatusSuspicious, StatusFraud:
		return true
	case StatusSafe, StatusUnknown, StatusBlocked, StatusUnderReview:
		return false
	default:
		return false
	}
}

// RawMessage is a message read from the device. It is never modified after capture.
type RawMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Sender     string    `json:"sender"`
	CapturedAt time.Time `json:"captured_at"`
}

// AnalyzedMessage is a RawMessage with its classification result
type AnalyzedMessage struct {
	RawMessage
	Status     Status    `json:"status"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}
