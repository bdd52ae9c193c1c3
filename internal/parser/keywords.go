package parser

import (
	"regexp"
	"strings"
)

// Indicator is a risk signal found in a message body
type Indicator struct {
	Type  string `json:"type"`
	Match string `json:"match"`
	Boost int    `json:"boost"`
}

// RiskDetector finds risk-indicating language in message text
type RiskDetector struct {
	patterns []*riskPattern
}

type riskPattern struct {
	Type  string
	Boost int
	Regex *regexp.Regexp
}

// NewRiskDetector creates a detector with the default indicator table
func NewRiskDetector() *RiskDetector {
	return &RiskDetector{
		patterns: []*riskPattern{
			// Pressure to act fast
			{
				Type:  "urgency",
				Boost: 10,
				Regex: regexp.MustCompile(`(?i)\b(urgent|immediately|act now|right away|final notice|last chance|expires? today|within 24 ?h(ours)?)\b`),
			},
			// Links and click-through requests
			{
				Type:  "link",
				Boost: 15,
				Regex: regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\b(bit\.ly|tinyurl\.com|t\.co|goo\.gl)/\S+|\bclick (here|the link|below)\b)`),
			},
			// Account suspension or lockout threats
			{
				Type:  "account_suspension",
				Boost: 15,
				Regex: regexp.MustCompile(`(?i)\b(account (has been |will be |is )?(suspended|locked|blocked|closed|disabled|restricted)|verify your (account|identity)|unusual (activity|sign-?in))\b`),
			},
			// Requests for secrets
			{
				Type:  "credentials",
				Boost: 10,
				Regex: regexp.MustCompile(`(?i)\b(password|pin code|cvv|card number|one[- ]time (code|password)|security code|social security)\b`),
			},
			// Prizes and rewards
			{
				Type:  "prize",
				Boost: 10,
				Regex: regexp.MustCompile(`(?i)\b(you('ve| have)? won|winner|claim your (prize|reward|gift)|free gift|lottery)\b`),
			},
			// Payment pressure
			{
				Type:  "payment",
				Boost: 10,
				Regex: regexp.MustCompile(`(?i)\b(pay now|outstanding (balance|payment)|overdue|unpaid (toll|bill|invoice)|gift cards?|wire transfer)\b`),
			},
		},
	}
}

// Detect returns one indicator per matching pattern type
func (d *RiskDetector) Detect(text string) []Indicator {
	var indicators []Indicator
	seen := make(map[string]bool)

	for _, pattern := range d.patterns {
		if seen[pattern.Type] {
			continue
		}
		match := pattern.Regex.FindString(text)
		if match == "" {
			continue
		}
		seen[pattern.Type] = true
		indicators = append(indicators, Indicator{
			Type:  pattern.Type,
			Match: strings.TrimSpace(match),
			Boost: pattern.Boost,
		})
	}

	return indicators
}

// Boost sums the boosts of the indicators
func Boost(indicators []Indicator) int {
	total := 0
	for _, ind := range indicators {
		total += ind.Boost
	}
	return total
}
