package formatter

import (
	"fmt"
	"strings"

	"github.com/mixelka/smsguard/pkg/models"
)

// AlertFormatter builds the human readable parts of fraud alerts
type AlertFormatter struct {
	previewLength int
}

// NewAlertFormatter creates a new alert formatter
func NewAlertFormatter() *AlertFormatter {
	return &AlertFormatter{
		previewLength: 160, // one SMS segment
	}
}

// Title returns the alert headline for a message verdict
func (f *AlertFormatter) Title(status models.Status, severity models.Severity) string {
	switch {
	case severity == models.SeverityCritical:
		return "Critical fraud message detected"
	case status == models.StatusFraud:
		return "Fraud message detected"
	default:
		return "Suspicious message detected"
	}
}

// Description explains why the message was flagged
func (f *AlertFormatter) Description(msg *models.AnalyzedMessage, indicators []string) string {
	var sb strings.Builder

	sender := msg.Sender
	if sender == "" {
		sender = "unknown sender"
	}
	sb.WriteString(fmt.Sprintf("Message from %s classified as %s", sender, msg.Status))
	sb.WriteString(fmt.Sprintf(" (%.0f%% confidence)", msg.Confidence*100))

	if len(indicators) > 0 {
		sb.WriteString(". Indicators: ")
		sb.WriteString(strings.Join(indicators, ", "))
	}

	sb.WriteString(". Received ")
	sb.WriteString(msg.CapturedAt.Format("02.01.2006 15:04"))
	return sb.String()
}

// Preview returns the message text cut to a single line preview
func (f *AlertFormatter) Preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return f.truncate(text, f.previewLength)
}

// SummaryTitle returns the headline of a scan summary alert
func (f *AlertFormatter) SummaryTitle(fraud, suspicious int) string {
	if fraud > 0 {
		return fmt.Sprintf("Scan found %d fraud message%s", fraud, plural(fraud))
	}
	return fmt.Sprintf("Scan found %d suspicious message%s", suspicious, plural(suspicious))
}

// SummaryDescription describes the threats found in one scan
func (f *AlertFormatter) SummaryDescription(scanned, fraud, suspicious int) string {
	return fmt.Sprintf("%d message%s analyzed: %d fraud, %d suspicious",
		scanned, plural(scanned), fraud, suspicious)
}

// truncate truncates text to maxLen characters
func (f *AlertFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
