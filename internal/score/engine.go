package score

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

const (
	currentID      = "current"
	refreshTimeout = 30 * time.Second
)

// Documents is the subset of the reconciler the engine reads and writes through
type Documents interface {
	Read(ctx context.Context, key store.Key) (store.Document, error)
	Write(ctx context.Context, key store.Key, doc store.Document) (reconcile.WriteResult, error)
	List(ctx context.Context, partition, collection string) ([]store.Record, error)
}

// Cursors exposes the scan counter of an account
type Cursors interface {
	Cursor(ctx context.Context, accountID string) (*models.ScanCursor, error)
}

// Engine computes and caches account security scores
type Engine struct {
	docs      Documents
	cursors   Cursors
	metrics   *metrics.Metrics
	logger    *slog.Logger
	freshness time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewEngine creates a new score engine. Records younger than freshness are
// served without recomputation.
func NewEngine(docs Documents, cursors Cursors, m *metrics.Metrics, logger *slog.Logger, freshness time.Duration) *Engine {
	return &Engine{
		docs:      docs,
		cursors:   cursors,
		metrics:   m,
		logger:    logger.With("component", "score"),
		freshness: freshness,
		now:       time.Now,
	}
}

func scoreKey(accountID string) store.Key {
	return store.AccountKey(accountID, store.CollectionScores, currentID)
}

// Score returns the cached record of an account. A stale record is returned
// immediately and refreshed in the background; a missing one is computed.
func (e *Engine) Score(ctx context.Context, accountID string) (*models.SecurityScoreRecord, error) {
	cached, err := e.cached(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return e.recalculate(ctx, accountID)
	}

	if e.now().Sub(cached.CalculatedAt) > e.freshness {
		e.logger.Debug("serving stale score", "account_id", accountID, "calculated_at", cached.CalculatedAt)
		go e.refresh(context.WithoutCancel(ctx), accountID)
	}
	return cached, nil
}

// CalculateScore recomputes and stores the score of an account
func (e *Engine) CalculateScore(ctx context.Context, accountID string) (*models.SecurityScoreRecord, error) {
	return e.recalculate(ctx, accountID)
}

// recalculate collapses concurrent recomputations of the same account
func (e *Engine) recalculate(ctx context.Context, accountID string) (*models.SecurityScoreRecord, error) {
	v, err, _ := e.group.Do(accountID, func() (any, error) {
		return e.calculate(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SecurityScoreRecord), nil
}

func (e *Engine) refresh(ctx context.Context, accountID string) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	if _, err := e.recalculate(ctx, accountID); err != nil {
		e.logger.Warn("background score refresh failed", "account_id", accountID, "error", err)
	}
}

func (e *Engine) calculate(ctx context.Context, accountID string) (*models.SecurityScoreRecord, error) {
	history, err := e.history(ctx, accountID)
	if err != nil {
		return nil, err
	}

	record := Compute(accountID, history, e.now())

	doc, err := store.Encode(record)
	if err != nil {
		return nil, err
	}
	written, err := e.docs.Write(ctx, scoreKey(accountID), doc)
	if err != nil {
		return nil, fmt.Errorf("failed to save security score: %w", err)
	}

	e.metrics.SecurityScore.WithLabelValues(accountID).Set(float64(record.Score))
	e.logger.Info("security score calculated",
		"account_id", accountID,
		"score", record.Score,
		"risk_band", record.RiskBand,
		"committed_remotely", written.CommittedRemotely,
	)
	return &record, nil
}

func (e *Engine) history(ctx context.Context, accountID string) (History, error) {
	var h History

	records, err := e.docs.List(ctx, accountID, store.CollectionMessages)
	if err != nil {
		return h, fmt.Errorf("failed to list messages: %w", err)
	}
	for _, rec := range records {
		var msg models.AnalyzedMessage
		if err := store.Decode(rec.Document, &msg); err != nil {
			e.logger.Warn("skipping malformed message", "account_id", accountID, "message_id", rec.Key.ID, "error", err)
			continue
		}
		if _, err := models.ParseStatus(string(msg.Status)); err != nil {
			e.logger.Warn("skipping message", "account_id", accountID, "message_id", rec.Key.ID, "error", err)
			continue
		}
		h.Messages = append(h.Messages, msg)
	}

	records, err = e.docs.List(ctx, accountID, store.CollectionAlerts)
	if err != nil {
		return h, fmt.Errorf("failed to list alerts: %w", err)
	}
	for _, rec := range records {
		var alert models.FraudAlert
		if err := store.Decode(rec.Document, &alert); err != nil {
			e.logger.Warn("skipping malformed alert", "account_id", accountID, "key", rec.Key.String(), "error", err)
			continue
		}
		if _, err := models.ParseSeverity(string(alert.Severity)); err != nil {
			e.logger.Warn("skipping alert", "account_id", accountID, "key", rec.Key.String(), "error", err)
			continue
		}
		h.Alerts = append(h.Alerts, alert)
	}

	cursor, err := e.cursors.Cursor(ctx, accountID)
	if err != nil && !reconcile.IsNetworkError(err) {
		return h, err
	}
	if cursor != nil {
		h.TotalScans = cursor.TotalScans
	}
	return h, nil
}

func (e *Engine) cached(ctx context.Context, accountID string) (*models.SecurityScoreRecord, error) {
	doc, err := e.docs.Read(ctx, scoreKey(accountID))
	if errors.Is(err, store.ErrNotFound) || reconcile.IsNetworkError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read security score: %w", err)
	}

	var record models.SecurityScoreRecord
	err = store.Decode(doc, &record)
	if err == nil {
		_, err = models.ParseRiskBand(string(record.RiskBand))
	}
	if err != nil {
		e.logger.Warn("discarding malformed score", "account_id", accountID, "error", err)
		return nil, nil
	}
	return &record, nil
}
