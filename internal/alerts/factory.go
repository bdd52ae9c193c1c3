package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/smsguard/internal/formatter"
	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/parser"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

// Skip reasons
const (
	ReasonNotThreat      = "not_a_threat"
	ReasonAlertExists    = "alert_exists"
	ReasonNoThreatsFound = "no_threats_found"
)

// Documents is the subset of the reconciler the factory writes through
type Documents interface {
	Read(ctx context.Context, key store.Key) (store.Document, error)
	Write(ctx context.Context, key store.Key, doc store.Document) (reconcile.WriteResult, error)
}

// Counters receives the daily dashboard aggregates
type Counters interface {
	Add(ctx context.Context, accountID string, day time.Time, delta models.CounterDelta) error
}

// Result is the outcome of an alert creation
type Result struct {
	AlertID string
	Skipped bool
	Reason  string
	Queued  bool // persisted locally, remote write pending
	Alert   *models.FraudAlert
}

// Factory turns classified messages into persisted fraud alerts, at most one per message
type Factory struct {
	docs      Documents
	counters  Counters
	detector  *parser.RiskDetector
	formatter *formatter.AlertFormatter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewFactory creates a new alert factory. counters may be nil.
func NewFactory(docs Documents, counters Counters, detector *parser.RiskDetector, f *formatter.AlertFormatter, m *metrics.Metrics, logger *slog.Logger) *Factory {
	return &Factory{
		docs:      docs,
		counters:  counters,
		detector:  detector,
		formatter: f,
		metrics:   m,
		logger:    logger.With("component", "alerts"),
		now:       time.Now,
	}
}

// RiskScore combines classifier confidence with the keyword boost, capped at 100
func RiskScore(confidence float64, boost int) int {
	return int(math.Round(math.Min(100, confidence*100+float64(boost))))
}

// SeverityFor maps a verdict and its risk score to an alert severity
func SeverityFor(status models.Status, confidence float64, riskScore int) models.Severity {
	switch {
	case status == models.StatusFraud && confidence > 0.9:
		return models.SeverityCritical
	case status == models.StatusFraud && confidence > 0.7:
		return models.SeverityHigh
	case status == models.StatusSuspicious || riskScore > 60:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}

// LocationQualityFor converts an optional device position. Anything that is
// not a real GPS fix is kept off maps but still counted.
func LocationQualityFor(loc *models.Location) models.LocationQuality {
	if loc == nil {
		return models.LocationQuality{IsDefault: true}
	}
	if !loc.IsRealGPS {
		return models.LocationQuality{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Accuracy:  loc.Accuracy,
			IsDefault: true,
		}
	}
	return models.LocationQuality{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
		ShowOnMap: true,
	}
}

func alertKey(accountID, id string) store.Key {
	return store.AccountKey(accountID, store.CollectionAlerts, id)
}

// CreateAlert persists an alert for a suspicious or fraudulent message.
// Other statuses and messages that already have an alert are skipped.
func (f *Factory) CreateAlert(ctx context.Context, msg *models.AnalyzedMessage, accountID string, loc *models.Location) (Result, error) {
	if !msg.Status.IsThreat() {
		return Result{Skipped: true, Reason: ReasonNotThreat}, nil
	}

	key := alertKey(accountID, msg.ID)
	existing, err := f.existing(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		f.logger.Debug("alert already exists", "account_id", accountID, "message_id", msg.ID)
		return Result{AlertID: existing.AlertID, Skipped: true, Reason: ReasonAlertExists, Alert: existing}, nil
	}

	indicators := f.detector.Detect(msg.Text)
	riskScore := RiskScore(msg.Confidence, parser.Boost(indicators))
	severity := SeverityFor(msg.Status, msg.Confidence, riskScore)

	types := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		types = append(types, ind.Type)
	}

	alert := &models.FraudAlert{
		AlertID:         uuid.NewString(),
		AccountID:       accountID,
		MessageID:       msg.ID,
		Kind:            models.AlertKindMessage,
		Severity:        severity,
		RiskScore:       riskScore,
		MessageStatus:   msg.Status,
		Confidence:      msg.Confidence,
		Sender:          msg.Sender,
		Title:           f.formatter.Title(msg.Status, severity),
		Description:     f.formatter.Description(msg, types),
		Preview:         f.formatter.Preview(msg.Text),
		Indicators:      types,
		LocationQuality: LocationQualityFor(loc),
		Status:          models.AlertStatusNew,
		CreatedAt:       f.now().UTC(),
	}

	result, err := f.persist(ctx, key, alert)
	if err != nil {
		return Result{}, err
	}

	delta := models.CounterDelta{Messages: 1, Alerts: 1}
	if msg.Status == models.StatusFraud {
		delta.Fraud = 1
	} else {
		delta.Suspicious = 1
	}
	f.addCounters(ctx, accountID, delta)

	f.logger.Info("alert created",
		"account_id", accountID,
		"message_id", msg.ID,
		"alert_id", alert.AlertID,
		"severity", severity,
		"risk_score", riskScore,
		"queued", result.Queued,
	)
	return result, nil
}

// ScanSummary describes the threats found by one scan
type ScanSummary struct {
	ScanID     string
	Scanned    int
	Fraud      int
	Suspicious int
	Severity   models.Severity // highest severity among the batch alerts
	RiskScore  int             // highest risk score among the batch alerts
}

// CreateScanSummary persists one summary alert per scan that found threats
func (f *Factory) CreateScanSummary(ctx context.Context, accountID string, summary ScanSummary) (Result, error) {
	if summary.Fraud == 0 && summary.Suspicious == 0 {
		return Result{Skipped: true, Reason: ReasonNoThreatsFound}, nil
	}

	key := alertKey(accountID, "scan-"+summary.ScanID)
	existing, err := f.existing(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{AlertID: existing.AlertID, Skipped: true, Reason: ReasonAlertExists, Alert: existing}, nil
	}

	severity := summary.Severity
	if severity == "" {
		severity = models.SeverityWarning
		if summary.Fraud > 0 {
			severity = models.SeverityHigh
		}
	}

	status := models.StatusSuspicious
	if summary.Fraud > 0 {
		status = models.StatusFraud
	}

	alert := &models.FraudAlert{
		AlertID:         uuid.NewString(),
		AccountID:       accountID,
		Kind:            models.AlertKindScanSummary,
		Severity:        severity,
		RiskScore:       summary.RiskScore,
		MessageStatus:   status,
		Title:           f.formatter.SummaryTitle(summary.Fraud, summary.Suspicious),
		Description:     f.formatter.SummaryDescription(summary.Scanned, summary.Fraud, summary.Suspicious),
		LocationQuality: LocationQualityFor(nil),
		Status:          models.AlertStatusNew,
		CreatedAt:       f.now().UTC(),
	}

	result, err := f.persist(ctx, key, alert)
	if err != nil {
		return Result{}, err
	}

	f.logger.Info("scan summary created",
		"account_id", accountID,
		"scan_id", summary.ScanID,
		"fraud", summary.Fraud,
		"suspicious", summary.Suspicious,
	)
	return result, nil
}

// RecordMessage counts a message that produced no alert
func (f *Factory) RecordMessage(ctx context.Context, accountID string, status models.Status) {
	delta := models.CounterDelta{Messages: 1}
	if status == models.StatusSafe {
		delta.Safe = 1
	}
	f.addCounters(ctx, accountID, delta)
}

func (f *Factory) existing(ctx context.Context, key store.Key) (*models.FraudAlert, error) {
	doc, err := f.docs.Read(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	// offline and never cached: the write below is keyed by message and
	// replaces rather than duplicates
	if reconcile.IsNetworkError(err) {
		f.logger.Debug("alert existence unknown while offline", "key", key.String())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing alert: %w", err)
	}

	var alert models.FraudAlert
	if err := store.Decode(doc, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

func (f *Factory) persist(ctx context.Context, key store.Key, alert *models.FraudAlert) (Result, error) {
	doc, err := store.Encode(alert)
	if err != nil {
		return Result{}, err
	}

	written, err := f.docs.Write(ctx, key, doc)
	if err != nil {
		return Result{}, fmt.Errorf("failed to save alert: %w", err)
	}

	f.metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	return Result{AlertID: alert.AlertID, Queued: !written.CommittedRemotely, Alert: alert}, nil
}

// addCounters is best effort, a failure never fails the alert
func (f *Factory) addCounters(ctx context.Context, accountID string, delta models.CounterDelta) {
	if f.counters == nil {
		return
	}
	if err := f.counters.Add(ctx, accountID, f.now(), delta); err != nil {
		f.logger.Warn("failed to update counters", "account_id", accountID, "error", err)
	}
}
