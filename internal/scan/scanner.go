package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/smsguard/internal/alerts"
	"github.com/mixelka/smsguard/internal/device"
	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/registry"
	"github.com/mixelka/smsguard/internal/scanstate"
	"github.com/mixelka/smsguard/internal/score"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

const profileID = "profile"

// Scan results used as metric labels
const (
	resultSuccess          = "success"
	resultPartial          = "partial"
	resultAborted          = "aborted"
	resultPermissionDenied = "permission_denied"
	resultFailed           = "failed"
)

// Documents is the part of the reconciler the scanner writes through
type Documents interface {
	Read(ctx context.Context, key store.Key) (store.Document, error)
	ReadRemote(ctx context.Context, key store.Key) (store.Document, error)
	Write(ctx context.Context, key store.Key, doc store.Document) (reconcile.WriteResult, error)
}

// Classifier labels a batch of messages. It never fails; items it could
// not classify come back as unknown.
type Classifier interface {
	Classify(ctx context.Context, msgs []models.RawMessage) []models.AnalyzedMessage
}

// Deps are the collaborators of a Scanner
type Deps struct {
	Source     device.Source
	Locator    device.Locator
	Documents  Documents
	Tracker    *scanstate.Tracker
	Registry   *registry.Registry
	Classifier Classifier
	Alerts     *alerts.Factory
	Scores     *score.Engine
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Report summarizes one completed scan
type Report struct {
	ScanID           string
	AccountID        string
	FirstScan        bool
	AccountRecreated bool
	OnDevice         int
	New              int
	Processed        int
	Duplicates       int
	Alerts           int
	Fraud            int
	Suspicious       int
	Severity         models.Severity // highest among the message alerts
	RiskScore        int             // highest among the message alerts
	Score            *models.SecurityScoreRecord
}

// Scanner runs the incremental scan pipeline of one account at a time
type Scanner struct {
	source     device.Source
	locator    device.Locator
	docs       Documents
	tracker    *scanstate.Tracker
	registry   *registry.Registry
	classifier Classifier
	alerts     *alerts.Factory
	scores     *score.Engine
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewScanner creates a scanner
func NewScanner(d Deps) *Scanner {
	return &Scanner{
		source:     d.Source,
		locator:    d.Locator,
		docs:       d.Documents,
		tracker:    d.Tracker,
		registry:   d.Registry,
		classifier: d.Classifier,
		alerts:     d.Alerts,
		scores:     d.Scores,
		metrics:    d.Metrics,
		logger:     d.Logger.With("component", "scanner"),
	}
}

// storedMessage is the persisted form of an analyzed message
type storedMessage struct {
	models.AnalyzedMessage
	FingerprintID string `json:"fingerprint_id"`
}

// pending is a message that passed the duplicate gate
type pending struct {
	raw         models.RawMessage
	fingerprint string
}

// ScanAccount reads the device, processes every new message and advances
// the cursor once all of them are committed. On failure the cursor is left
// untouched so the next scan retries the same batch.
func (s *Scanner) ScanAccount(ctx context.Context, accountID string) (*Report, error) {
	report := &Report{ScanID: uuid.NewString(), AccountID: accountID}
	logger := s.logger.With("account_id", accountID, "scan_id", report.ScanID)

	all, err := s.source.Messages(ctx, accountID, time.Time{})
	if err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			s.metrics.ScansTotal.WithLabelValues(resultPermissionDenied).Inc()
		} else {
			s.metrics.ScansTotal.WithLabelValues(resultFailed).Inc()
		}
		return nil, fmt.Errorf("failed to read device messages: %w", err)
	}
	report.OnDevice = len(all)

	info := s.accountInfo(ctx, accountID)

	filter, err := s.tracker.FilterNewMessages(ctx, accountID, all, info)
	if err != nil {
		s.metrics.ScansTotal.WithLabelValues(resultFailed).Inc()
		return nil, err
	}
	report.FirstScan = filter.IsFirstScan
	report.AccountRecreated = filter.AccountRecreated
	report.New = len(filter.ToAnalyze)

	if err := s.process(ctx, logger, accountID, filter, report); err != nil {
		return nil, s.fail(accountID, report, err)
	}

	record, err := s.scores.CalculateScore(ctx, accountID)
	if err != nil {
		return nil, s.fail(accountID, report, err)
	}
	report.Score = record

	summary := alerts.ScanSummary{
		ScanID:     report.ScanID,
		Scanned:    report.New,
		Fraud:      report.Fraud,
		Suspicious: report.Suspicious,
		Severity:   report.Severity,
		RiskScore:  report.RiskScore,
	}
	if _, err := s.alerts.CreateScanSummary(ctx, accountID, summary); err != nil {
		return nil, s.fail(accountID, report, err)
	}

	if _, err := s.tracker.CompleteScan(ctx, accountID, report.Processed); err != nil {
		return nil, s.fail(accountID, report, err)
	}

	s.metrics.ScansTotal.WithLabelValues(resultSuccess).Inc()
	logger.Info("scan finished",
		"new", report.New,
		"processed", report.Processed,
		"duplicates", report.Duplicates,
		"alerts", report.Alerts,
		"score", record.Score,
	)
	return report, nil
}

func (s *Scanner) process(ctx context.Context, logger *slog.Logger, accountID string, filter scanstate.FilterResult, report *Report) error {
	// a reset or recreated account reprocesses what it already owned
	reprocessOwn := filter.IsFirstScan || filter.AccountRecreated

	batch := make([]pending, 0, len(filter.ToAnalyze))
	for _, msg := range filter.ToAnalyze {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}

		check, err := s.registry.CheckDuplicate(ctx, msg)
		if err != nil {
			if reconcile.IsPermissionError(err) {
				return err
			}
			logger.Warn("duplicate check failed, processing anyway", "message_id", msg.ID, "error", err)
			batch = append(batch, pending{raw: msg, fingerprint: check.FingerprintID})
			continue
		}

		switch {
		case !check.IsDuplicate:
			batch = append(batch, pending{raw: msg, fingerprint: check.FingerprintID})

		case check.OriginAccountID == accountID:
			if reprocessOwn {
				batch = append(batch, pending{raw: msg, fingerprint: check.FingerprintID})
				continue
			}
			logger.Debug("message already processed", "message_id", msg.ID)

		case check.OriginAccountID == "":
			// registry unreachable with fail-open disabled
			report.Duplicates++

		default:
			report.Duplicates++
			if _, err := s.registry.Register(ctx, msg, accountID); err != nil {
				if reconcile.IsPermissionError(err) {
					return err
				}
				logger.Warn("failed to record duplicate observation", "message_id", msg.ID, "error", err)
			}
		}
	}

	if len(batch) == 0 {
		return nil
	}

	raw := make([]models.RawMessage, len(batch))
	fingerprints := make(map[string]string, len(batch))
	for i, p := range batch {
		raw[i] = p.raw
		fingerprints[p.raw.ID] = p.fingerprint
	}
	analyzed := s.classifier.Classify(ctx, raw)

	var loc *models.Location
	locate := func() *models.Location {
		if loc == nil {
			loc = device.BestEffort(ctx, s.locator, accountID, logger)
		}
		return loc
	}

	var failed int
	var firstErr error
	for i := range analyzed {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}

		msg := &analyzed[i]
		err := s.processMessage(ctx, accountID, msg, fingerprints[msg.ID], locate, report)
		if err == nil {
			report.Processed++
			s.metrics.MessagesAnalyzed.WithLabelValues(string(msg.Status)).Inc()
			continue
		}
		if reconcile.IsPermissionError(err) {
			return err
		}

		// isolated: the rest of the batch still runs, the cursor stays put
		logger.Error("failed to process message", "message_id", msg.ID, "error", err)
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d messages failed: %w", failed, len(analyzed), firstErr)
	}
	return nil
}

// processMessage persists one message and its alert, then registers its
// fingerprint. Registration comes last so a crash in between is retried.
func (s *Scanner) processMessage(ctx context.Context, accountID string, msg *models.AnalyzedMessage, fingerprint string, locate func() *models.Location, report *Report) error {
	key := store.AccountKey(accountID, store.CollectionMessages, msg.ID)

	// a retried or reprocessed message was already counted
	_, err := s.docs.Read(ctx, key)
	seen := err == nil

	doc, err := store.Encode(storedMessage{AnalyzedMessage: *msg, FingerprintID: fingerprint})
	if err != nil {
		return err
	}
	if _, err := s.docs.Write(ctx, key, doc); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if msg.Status.IsThreat() {
		result, err := s.alerts.CreateAlert(ctx, msg, accountID, locate())
		if err != nil {
			return err
		}
		if !result.Skipped {
			report.Alerts++
		}
		if a := result.Alert; a != nil {
			if a.Severity.Rank() > report.Severity.Rank() {
				report.Severity = a.Severity
			}
			report.RiskScore = max(report.RiskScore, a.RiskScore)
		}
		if msg.Status == models.StatusFraud {
			report.Fraud++
		} else {
			report.Suspicious++
		}
	} else if !seen {
		s.alerts.RecordMessage(ctx, accountID, msg.Status)
	}

	if _, err := s.registry.Register(ctx, msg.RawMessage, accountID); err != nil {
		return err
	}
	return nil
}

// accountInfo loads remote account metadata. Any problem degrades to nil,
// which skips recreation detection for this scan.
func (s *Scanner) accountInfo(ctx context.Context, accountID string) *models.AccountInfo {
	doc, err := s.docs.ReadRemote(ctx, store.AccountKey(accountID, store.CollectionAccounts, profileID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("account metadata unavailable", "account_id", accountID, "error", err)
		return nil
	}

	var info models.AccountInfo
	if err := store.Decode(doc, &info); err != nil || info.CreatedAt.IsZero() {
		s.logger.Warn("malformed account metadata, assuming not recreated", "account_id", accountID, "error", err)
		return nil
	}
	return &info
}

func (s *Scanner) fail(accountID string, report *Report, err error) error {
	s.tracker.Abort(accountID)

	result := resultPartial
	switch {
	case errors.Is(err, ErrAborted):
		result = resultAborted
	case reconcile.IsPermissionError(err):
		result = resultPermissionDenied
	}
	s.metrics.ScansTotal.WithLabelValues(result).Inc()

	s.logger.Warn("scan failed, cursor not advanced",
		"account_id", accountID,
		"scan_id", report.ScanID,
		"succeeded", report.Processed,
		"error", err,
	)
	return &BatchError{Succeeded: report.Processed, Err: err}
}
