package models

import "time"

// ScanCursor marks the boundary between processed and new messages of an account
type ScanCursor struct {
	AccountID    string     `json:"account_id"`
	LastScanAt   time.Time  `json:"last_scan_at"`
	AccountEpoch *time.Time `json:"account_epoch,omitempty"` // remote account creation time seen at last scan
	TotalScans   int        `json:"total_scans"`
}

// AccountInfo is account metadata read from the remote store
type AccountInfo struct {
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}
