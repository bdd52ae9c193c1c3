package formatter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mixelka/smsguard/pkg/models"
)

func TestTitle(t *testing.T) {
	f := NewAlertFormatter()

	assert.Equal(t, "Critical fraud message detected", f.Title(models.StatusFraud, models.SeverityCritical))
	assert.Equal(t, "Fraud message detected", f.Title(models.StatusFraud, models.SeverityHigh))
	assert.Equal(t, "Suspicious message detected", f.Title(models.StatusSuspicious, models.SeverityWarning))
}

func TestDescription(t *testing.T) {
	f := NewAlertFormatter()
	msg := &models.AnalyzedMessage{
		RawMessage: models.RawMessage{
			Sender:     "BANK-ALERT",
			CapturedAt: time.Date(2026, 1, 15, 8, 5, 0, 0, time.UTC),
		},
		Status:     models.StatusFraud,
		Confidence: 0.93,
	}

	got := f.Description(msg, []string{"urgency", "link"})
	assert.Equal(t, "Message from BANK-ALERT classified as fraud (93% confidence). Indicators: urgency, link. Received 15.01.2026 08:05", got)
}

func TestPreviewTruncatesOnRunes(t *testing.T) {
	f := NewAlertFormatter()

	short := f.Preview("Ваш код:\n 1234")
	assert.Equal(t, "Ваш код: 1234", short)

	long := f.Preview(strings.Repeat("ж", 200))
	assert.Equal(t, 163, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestSummary(t *testing.T) {
	f := NewAlertFormatter()

	assert.Equal(t, "Scan found 2 fraud messages", f.SummaryTitle(2, 5))
	assert.Equal(t, "Scan found 1 suspicious message", f.SummaryTitle(0, 1))
	assert.Equal(t, "12 messages analyzed: 2 fraud, 5 suspicious", f.SummaryDescription(12, 2, 5))
}
