package score

import (
	"time"

	"github.com/mixelka/smsguard/pkg/models"
)

// Formula weights
const (
	BaseScore = 85

	fraudWeight      = -15
	suspiciousWeight = -8
	safeWeight       = 2
	safeBonusCap     = 15
	volumeStep       = 100
	volumePenaltyCap = -10

	recentWindow          = 7 * 24 * time.Hour
	recentProgressiveFrom = 3
	recentFirstWeight     = -20
	recentExtraWeight     = -10

	monthlyWindow      = 30 * 24 * time.Hour
	monthlyWeight      = 3
	monthlyBonusCap    = 15
	scanMilestoneBonus = 5
)

var scanMilestones = []int{10, 20}

// History is everything the score is computed from
type History struct {
	Messages   []models.AnalyzedMessage
	Alerts     []models.FraudAlert
	TotalScans int
}

// Breakdown applies the weighted formula to an account history
func Breakdown(h History, now time.Time) models.ScoreBreakdown {
	b := models.ScoreBreakdown{
		Base:          BaseScore,
		TotalMessages: len(h.Messages),
		TotalScans:    h.TotalScans,
	}

	for _, m := range h.Messages {
		switch m.Status {
		case models.StatusFraud:
			b.FraudMessages++
		case models.StatusSuspicious:
			b.SuspiciousMessages++
		case models.StatusSafe:
			b.SafeMessages++
		}
	}

	for _, a := range h.Alerts {
		if a.Kind == models.AlertKindScanSummary {
			continue
		}
		age := now.Sub(a.CreatedAt)
		if age < 0 {
			age = 0
		}
		if age <= recentWindow {
			b.RecentAlerts++
		}
		if age <= monthlyWindow {
			b.MonthlyAlerts++
		}
	}

	b.FraudPenalty = b.FraudMessages * fraudWeight
	b.SuspiciousPenalty = b.SuspiciousMessages * suspiciousWeight
	b.SafeBonus = min(b.SafeMessages*safeWeight, safeBonusCap)
	b.VolumePenalty = max(-(b.TotalMessages / volumeStep), volumePenaltyCap)

	// stale alerts of since-purged messages must not punish a clean history
	if b.FraudMessages > 0 || b.SuspiciousMessages > 0 {
		b.RecentFraudPenalty = recentFraudPenalty(b.RecentAlerts)
	}

	b.ScanFrequencyBonus = min(b.MonthlyAlerts*monthlyWeight, monthlyBonusCap)
	for _, milestone := range scanMilestones {
		if h.TotalScans >= milestone {
			b.ScanFrequencyBonus += scanMilestoneBonus
		}
	}

	return b
}

func recentFraudPenalty(alerts int) int {
	if alerts <= recentProgressiveFrom {
		return alerts * recentFirstWeight
	}
	return recentProgressiveFrom*recentFirstWeight + (alerts-recentProgressiveFrom)*recentExtraWeight
}

// Clamp bounds a raw sum to [0, 100]
func Clamp(sum int) int {
	return max(0, min(100, sum))
}

// Compute builds the full score record of an account
func Compute(accountID string, h History, now time.Time) models.SecurityScoreRecord {
	b := Breakdown(h, now)
	score := Clamp(b.Sum())
	return models.SecurityScoreRecord{
		AccountID:       accountID,
		Score:           score,
		RiskBand:        models.BandForScore(score),
		Breakdown:       b,
		Recommendations: Recommendations(b),
		CalculatedAt:    now.UTC(),
	}
}
