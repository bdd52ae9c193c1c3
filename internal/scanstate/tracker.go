package scanstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

const cursorID = "cursor"

// Documents is the cache-first document access the tracker needs
type Documents interface {
	Read(ctx context.Context, key store.Key) (store.Document, error)
	Write(ctx context.Context, key store.Key, doc store.Document) (reconcile.WriteResult, error)
	Delete(ctx context.Context, key store.Key) (reconcile.WriteResult, error)
}

// FilterResult is the set of messages a scan has to analyze
type FilterResult struct {
	ToAnalyze        []models.RawMessage
	IsFirstScan      bool
	AccountRecreated bool
}

// Tracker owns the per-account scan cursor
type Tracker struct {
	docs   Documents
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]scanStart
}

// scanStart is what FilterNewMessages learned for the matching CompleteScan
type scanStart struct {
	at       time.Time
	epoch    *time.Time
	previous *models.ScanCursor
}

// NewTracker creates a new scan state tracker
func NewTracker(docs Documents, logger *slog.Logger) *Tracker {
	return &Tracker{
		docs:     docs,
		logger:   logger.With("component", "scan_state"),
		now:      time.Now,
		inflight: make(map[string]scanStart),
	}
}

func cursorKey(accountID string) store.Key {
	return store.AccountKey(accountID, store.CollectionScanState, cursorID)
}

// Cursor returns the stored cursor or nil when the account was never scanned
func (t *Tracker) Cursor(ctx context.Context, accountID string) (*models.ScanCursor, error) {
	doc, err := t.docs.Read(ctx, cursorKey(accountID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scan cursor: %w", err)
	}

	var cursor models.ScanCursor
	if err := store.Decode(doc, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// FilterNewMessages selects the device messages captured after the last
// completed scan. info may be nil when remote account metadata is
// unavailable; recreation detection is then skipped.
func (t *Tracker) FilterNewMessages(ctx context.Context, accountID string, all []models.RawMessage, info *models.AccountInfo) (FilterResult, error) {
	started := scanStart{at: t.now()}
	if info != nil && !info.CreatedAt.IsZero() {
		createdAt := info.CreatedAt
		started.epoch = &createdAt
	}

	cursor, err := t.Cursor(ctx, accountID)
	if err != nil {
		return FilterResult{}, err
	}

	if cursor == nil {
		t.begin(accountID, started)
		t.logger.Info("first scan", "account_id", accountID, "messages", len(all))
		return FilterResult{ToAnalyze: all, IsFirstScan: true}, nil
	}

	// A remote account newer than our cursor means the account was deleted
	// and recreated; nothing remembered about it can be trusted.
	if started.epoch != nil && started.epoch.After(cursor.LastScanAt) {
		t.logger.Warn("account recreated, resetting cursor",
			"account_id", accountID,
			"created_at", started.epoch,
			"last_scan_at", cursor.LastScanAt,
		)
		if _, err := t.docs.Delete(ctx, cursorKey(accountID)); err != nil {
			return FilterResult{}, fmt.Errorf("failed to reset scan cursor: %w", err)
		}
		t.begin(accountID, started)
		return FilterResult{ToAnalyze: all, AccountRecreated: true}, nil
	}

	started.previous = cursor
	t.begin(accountID, started)

	toAnalyze := make([]models.RawMessage, 0)
	for _, m := range all {
		if m.CapturedAt.After(cursor.LastScanAt) {
			toAnalyze = append(toAnalyze, m)
		}
	}

	t.logger.Debug("filtered messages",
		"account_id", accountID,
		"total", len(all),
		"new", len(toAnalyze),
		"last_scan_at", cursor.LastScanAt,
	)
	return FilterResult{ToAnalyze: toAnalyze}, nil
}

func (t *Tracker) begin(accountID string, started scanStart) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[accountID] = started
}

// CompleteScan advances the cursor to the start of the current scan. It must
// only be called once every downstream write of the batch has been committed.
func (t *Tracker) CompleteScan(ctx context.Context, accountID string, processed int) (bool, error) {
	t.mu.Lock()
	started, ok := t.inflight[accountID]
	delete(t.inflight, accountID)
	t.mu.Unlock()

	previous := started.previous
	if !ok {
		started = scanStart{at: t.now()}
		var err error
		if previous, err = t.Cursor(ctx, accountID); err != nil {
			return false, err
		}
	}

	cursor := models.ScanCursor{
		AccountID:    accountID,
		LastScanAt:   started.at,
		AccountEpoch: started.epoch,
		TotalScans:   1,
	}
	if previous != nil {
		cursor.TotalScans = previous.TotalScans + 1
		if previous.LastScanAt.After(cursor.LastScanAt) {
			cursor.LastScanAt = previous.LastScanAt
		}
		if cursor.AccountEpoch == nil {
			cursor.AccountEpoch = previous.AccountEpoch
		}
	}

	doc, err := store.Encode(cursor)
	if err != nil {
		return false, err
	}
	result, err := t.docs.Write(ctx, cursorKey(accountID), doc)
	if err != nil {
		return false, fmt.Errorf("failed to write scan cursor: %w", err)
	}

	t.logger.Info("scan completed",
		"account_id", accountID,
		"processed", processed,
		"last_scan_at", cursor.LastScanAt,
		"total_scans", cursor.TotalScans,
		"committed_remotely", result.CommittedRemotely,
	)
	return true, nil
}

// Reset deletes the cursor so the next scan analyzes every device message
func (t *Tracker) Reset(ctx context.Context, accountID string) error {
	if _, err := t.docs.Delete(ctx, cursorKey(accountID)); err != nil {
		return fmt.Errorf("failed to reset scan cursor: %w", err)
	}
	t.logger.Info("scan cursor reset", "account_id", accountID)
	return nil
}

// Abort forgets an in-flight scan without touching the cursor
func (t *Tracker) Abort(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, accountID)
}
