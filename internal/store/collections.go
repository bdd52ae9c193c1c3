package store

// Collections used by the engine
const (
	CollectionMessages     = "messages"
	CollectionAlerts       = "alerts"
	CollectionScanState    = "scan_state"
	CollectionScores       = "scores"
	CollectionFingerprints = "fingerprints"
	CollectionObservations = "observations"
	CollectionAccounts     = "accounts"
)
