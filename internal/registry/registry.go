package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/parser"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

const (
	observationField = "observation_count"

	// fingerprintWidth is the number of hex characters kept from the digest
	fingerprintWidth = 32
)

// Documents is the subset of the reconciler the registry writes through
type Documents interface {
	Read(ctx context.Context, key store.Key) (store.Document, error)
	Create(ctx context.Context, key store.Key, doc store.Document) (reconcile.CreateResult, error)
	Increment(ctx context.Context, key store.Key, field string, delta int64) (reconcile.WriteResult, error)
}

// CheckResult is the outcome of a duplicate check
type CheckResult struct {
	IsDuplicate     bool
	FingerprintID   string
	OriginAccountID string
	FailedOpen      bool // registry unreachable, message let through
}

// RegisterResult is the outcome of a registration
type RegisterResult struct {
	Registered      bool
	Queued          bool // registry unreachable, creation queued for replay
	FingerprintID   string
	OriginAccountID string
}

// Registry is the global content-addressed record of processed messages.
// Registration is create-if-absent, so concurrent registrations of the same
// message from different accounts have exactly one winner.
type Registry struct {
	docs       Documents
	normalizer *parser.Normalizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	failOpen   bool
	now        func() time.Time
}

// New creates a new fingerprint registry. With failOpen unset an unreachable
// registry makes every message look like a duplicate.
func New(docs Documents, normalizer *parser.Normalizer, m *metrics.Metrics, logger *slog.Logger, failOpen bool) *Registry {
	return &Registry{
		docs:       docs,
		normalizer: normalizer,
		metrics:    m,
		logger:     logger.With("component", "registry"),
		failOpen:   failOpen,
		now:        time.Now,
	}
}

// Fingerprint returns the deterministic identifier of a physical SMS
func (r *Registry) Fingerprint(msg models.RawMessage) string {
	content := r.normalizer.Normalize(msg.Text) + "-" + msg.Sender + "-" + strconv.FormatInt(msg.CapturedAt.UnixMilli(), 10)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:fingerprintWidth]
}

func fingerprintKey(id string) store.Key {
	return store.GlobalKey(store.CollectionFingerprints, id)
}

func observationKey(id, accountID string) store.Key {
	return store.GlobalKey(store.CollectionObservations, id+":"+accountID)
}

// CheckDuplicate reports whether any account already registered the message
func (r *Registry) CheckDuplicate(ctx context.Context, msg models.RawMessage) (CheckResult, error) {
	id := r.Fingerprint(msg)
	result := CheckResult{FingerprintID: id}

	doc, err := r.docs.Read(ctx, fingerprintKey(id))
	switch {
	case err == nil:
		fp, err := decode(doc)
		if err != nil {
			return result, err
		}
		result.IsDuplicate = true
		result.OriginAccountID = fp.OriginAccountID
		return result, nil

	case errors.Is(err, store.ErrNotFound):
		return result, nil

	case reconcile.IsNetworkError(err):
		if !r.failOpen {
			r.logger.Warn("registry unreachable, treating message as duplicate",
				"fingerprint_id", id,
				"message_id", msg.ID,
			)
			result.IsDuplicate = true
			return result, nil
		}
		r.logger.Warn("registry unreachable, failing open",
			"fingerprint_id", id,
			"message_id", msg.ID,
		)
		r.metrics.RegistryFailOpen.Inc()
		result.FailedOpen = true
		return result, nil

	default:
		return result, fmt.Errorf("failed to check fingerprint %s: %w", id, err)
	}
}

// Register claims the message for accountID. If another account got there
// first the existing record is kept and its observation count is bumped,
// once per observing account.
func (r *Registry) Register(ctx context.Context, msg models.RawMessage, accountID string) (RegisterResult, error) {
	id := r.Fingerprint(msg)
	key := fingerprintKey(id)
	result := RegisterResult{FingerprintID: id}

	doc, err := store.Encode(models.GlobalFingerprint{
		FingerprintID:    id,
		OriginAccountID:  accountID,
		FirstSeenAt:      r.now().UTC(),
		ObservationCount: 1,
	})
	if err != nil {
		return result, err
	}

	created, err := r.docs.Create(ctx, key, doc)
	if err != nil {
		return result, fmt.Errorf("failed to register fingerprint %s: %w", id, err)
	}

	switch {
	case created.Created:
		r.logger.Debug("fingerprint registered", "fingerprint_id", id, "account_id", accountID)
		result.Registered = true
		result.OriginAccountID = accountID
		return result, nil

	case created.Queued:
		result.Queued = true
		result.OriginAccountID = accountID
		return result, nil
	}

	existing, err := decode(created.Existing)
	if err != nil {
		return result, err
	}
	result.OriginAccountID = existing.OriginAccountID

	// a retried batch of the origin account is not a new observation
	if existing.OriginAccountID == accountID {
		return result, nil
	}

	observed, err := r.observe(ctx, id, accountID)
	if err != nil {
		return result, err
	}
	if !observed {
		return result, nil
	}

	if _, err := r.docs.Increment(ctx, key, observationField, 1); err != nil {
		if reconcile.IsPermissionError(err) {
			return result, fmt.Errorf("failed to record observation of %s: %w", id, err)
		}
		r.logger.Warn("failed to record observation", "fingerprint_id", id, "error", err)
	}

	r.metrics.DuplicatesTotal.Inc()
	r.logger.Info("duplicate message",
		"fingerprint_id", id,
		"account_id", accountID,
		"origin_account_id", existing.OriginAccountID,
	)
	return result, nil
}

// observe claims the single observation marker of accountID for a
// fingerprint. It reports false when the account was already counted.
func (r *Registry) observe(ctx context.Context, id, accountID string) (bool, error) {
	doc, err := store.Encode(models.Observation{
		FingerprintID: id,
		AccountID:     accountID,
		ObservedAt:    r.now().UTC(),
	})
	if err != nil {
		return false, err
	}

	created, err := r.docs.Create(ctx, observationKey(id, accountID), doc)
	if err != nil {
		if reconcile.IsPermissionError(err) {
			return false, fmt.Errorf("failed to record observation of %s: %w", id, err)
		}
		r.logger.Warn("failed to claim observation", "fingerprint_id", id, "account_id", accountID, "error", err)
		return false, nil
	}
	return created.Created || created.Queued, nil
}

// Lookup returns the registered record of a fingerprint
func (r *Registry) Lookup(ctx context.Context, fingerprintID string) (*models.GlobalFingerprint, error) {
	doc, err := r.docs.Read(ctx, fingerprintKey(fingerprintID))
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

func decode(doc store.Document) (*models.GlobalFingerprint, error) {
	if doc == nil {
		return nil, errors.New("empty fingerprint document")
	}
	var fp models.GlobalFingerprint
	if err := store.Decode(doc, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}
