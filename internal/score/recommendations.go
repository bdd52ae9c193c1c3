package score

import "github.com/mixelka/smsguard/pkg/models"

const (
	RecommendReviewFraud      = "Review your fraud alerts and block the senders"
	RecommendRecentFraud      = "You received several fraud messages this week: do not open links or share codes"
	RecommendCheckSuspicious  = "Check suspicious messages before replying or clicking links"
	RecommendFilterSenders    = "Filter messages from unknown senders to reduce exposure"
	RecommendNoThreats        = "No threats detected, keep scanning regularly"
	RecommendScanMoreOften    = "Scan regularly to improve your security score"
	scanRecommendationMinimum = 10
)

// Recommendations derives advice from the dominant penalty of a breakdown.
// Ties resolve in the order fraud, recent fraud, suspicious, volume.
func Recommendations(b models.ScoreBreakdown) []string {
	penalties := []struct {
		value int
		text  string
	}{
		{b.FraudPenalty, RecommendReviewFraud},
		{b.RecentFraudPenalty, RecommendRecentFraud},
		{b.SuspiciousPenalty, RecommendCheckSuspicious},
		{b.VolumePenalty, RecommendFilterSenders},
	}

	dominant := -1
	for i, p := range penalties {
		if p.value < 0 && (dominant < 0 || p.value < penalties[dominant].value) {
			dominant = i
		}
	}

	var out []string
	if dominant < 0 {
		out = append(out, RecommendNoThreats)
	} else {
		out = append(out, penalties[dominant].text)
		for i, p := range penalties {
			if i != dominant && p.value < 0 && p.text != RecommendFilterSenders {
				out = append(out, p.text)
			}
		}
	}

	if b.TotalScans < scanRecommendationMinimum {
		out = append(out, RecommendScanMoreOften)
	}
	return out
}
