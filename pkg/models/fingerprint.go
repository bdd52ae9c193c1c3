package models

import "time"

// GlobalFingerprint is the shared record of a physical SMS seen by any account.
// Only ObservationCount changes after creation.
type GlobalFingerprint struct {
	FingerprintID    string    `json:"fingerprint_id"`
	OriginAccountID  string    `json:"origin_account_id"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	ObservationCount int64     `json:"observation_count"`
}

// Observation marks that an account other than the origin received a
// fingerprinted message. There is at most one per fingerprint and account.
type Observation struct {
	FingerprintID string    `json:"fingerprint_id"`
	AccountID     string    `json:"account_id"`
	ObservedAt    time.Time `json:"observed_at"`
}
