package models

import (
	"fmt"
	"time"
)

// RiskBand groups security scores into categories
type RiskBand string

const (
	RiskBandHigh   RiskBand = "high"
	RiskBandMedium RiskBand = "medium"
	RiskBandLow    RiskBand = "low"
)

// ParseRiskBand converts a stored band string into a RiskBand
func ParseRiskBand(s string) (RiskBand, error) {
	switch RiskBand(s) {
	case RiskBandHigh, RiskBandMedium, RiskBandLow:
		return RiskBand(s), nil
	default:
		return "", fmt.Errorf("unknown risk band %q", s)
	}
}

// BandForScore returns the risk band of a clamped score
func BandForScore(score int) RiskBand {
	switch {
	case score <= 40:
		return RiskBandHigh
	case score <= 70:
		return RiskBandMedium
	default:
		return RiskBandLow
	}
}

// ScoreBreakdown explains how a security score was computed
type ScoreBreakdown struct {
	Base               int `json:"base"`
	FraudPenalty       int `json:"fraud_penalty"`
	SuspiciousPenalty  int `json:"suspicious_penalty"`
	SafeBonus          int `json:"safe_bonus"`
	VolumePenalty      int `json:"volume_penalty"`
	RecentFraudPenalty int `json:"recent_fraud_penalty"`
	ScanFrequencyBonus int `json:"scan_frequency_bonus"`

	FraudMessages      int `json:"fraud_messages"`
	SuspiciousMessages int `json:"suspicious_messages"`
	SafeMessages       int `json:"safe_messages"`
	TotalMessages      int `json:"total_messages"`
	RecentAlerts       int `json:"recent_alerts"`
	MonthlyAlerts      int `json:"monthly_alerts"`
	TotalScans         int `json:"total_scans"`
}

// Sum returns the unclamped weighted total
func (b ScoreBreakdown) Sum() int {
	return b.Base + b.FraudPenalty + b.SuspiciousPenalty + b.SafeBonus +
		b.VolumePenalty + b.RecentFraudPenalty + b.ScanFrequencyBonus
}

// SecurityScoreRecord is the trust score of an account
type SecurityScoreRecord struct {
	AccountID       string         `json:"account_id"`
	Score           int            `json:"score"`
	RiskBand        RiskBand       `json:"risk_band"`
	Breakdown       ScoreBreakdown `json:"breakdown"`
	Recommendations []string       `json:"recommendations"`
	CalculatedAt    time.Time      `json:"calculated_at"`
}
