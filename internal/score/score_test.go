package score

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/reconcile/reconciletest"
	"github.com/mixelka/smsguard/internal/store"
	"github.com/mixelka/smsguard/pkg/models"
)

var now = time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)

func messages(fraud, suspicious, safe, unknown int) []models.AnalyzedMessage {
	var out []models.AnalyzedMessage
	add := func(n int, status models.Status) {
		for i := 0; i < n; i++ {
			out = append(out, models.AnalyzedMessage{
				RawMessage: models.RawMessage{ID: fmt.Sprintf("%s-%d", status, i)},
				Status:     status,
			})
		}
	}
	add(fraud, models.StatusFraud)
	add(suspicious, models.StatusSuspicious)
	add(safe, models.StatusSafe)
	add(unknown, models.StatusUnknown)
	return out
}

func alertsAged(ages ...time.Duration) []models.FraudAlert {
	var out []models.FraudAlert
	for i, age := range ages {
		out = append(out, models.FraudAlert{
			AlertID:   fmt.Sprintf("a%d", i),
			Kind:      models.AlertKindMessage,
			CreatedAt: now.Add(-age),
		})
	}
	return out
}

const day = 24 * time.Hour

func TestBreakdownWeights(t *testing.T) {
	b := Breakdown(History{
		Messages:   messages(1, 0, 3, 0),
		Alerts:     alertsAged(day),
		TotalScans: 12,
	}, now)

	assert.Equal(t, 85, b.Base)
	assert.Equal(t, -15, b.FraudPenalty)
	assert.Equal(t, 0, b.SuspiciousPenalty)
	assert.Equal(t, 6, b.SafeBonus)
	assert.Equal(t, 0, b.VolumePenalty)
	assert.Equal(t, -20, b.RecentFraudPenalty)
	assert.Equal(t, 8, b.ScanFrequencyBonus)
	assert.Equal(t, 64, b.Sum())

	record := Compute("acc-1", History{Messages: messages(1, 0, 3, 0), Alerts: alertsAged(day), TotalScans: 12}, now)
	assert.Equal(t, 64, record.Score)
	assert.Equal(t, models.RiskBandMedium, record.RiskBand)
	assert.Equal(t, []string{RecommendRecentFraud, RecommendReviewFraud}, record.Recommendations)
}

func TestCappedTerms(t *testing.T) {
	b := Breakdown(History{Messages: messages(0, 0, 30, 0)}, now)
	assert.Equal(t, 15, b.SafeBonus)

	b = Breakdown(History{Messages: messages(0, 0, 0, 250)}, now)
	assert.Equal(t, -2, b.VolumePenalty)

	b = Breakdown(History{Messages: messages(0, 0, 0, 5000)}, now)
	assert.Equal(t, -10, b.VolumePenalty)

	b = Breakdown(History{
		Messages:   messages(0, 1, 0, 0),
		Alerts:     alertsAged(20*day, 21*day, 22*day, 23*day, 24*day, 25*day),
		TotalScans: 25,
	}, now)
	assert.Equal(t, 6, b.MonthlyAlerts)
	assert.Equal(t, 0, b.RecentAlerts)
	assert.Equal(t, 15+5+5, b.ScanFrequencyBonus)
}

func TestRecentFraudPenaltyIsProgressive(t *testing.T) {
	tests := []struct {
		alerts int
		want   int
	}{
		{0, 0},
		{1, -20},
		{3, -60},
		{4, -70},
		{6, -90},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d alerts", tt.alerts), func(t *testing.T) {
			ages := make([]time.Duration, tt.alerts)
			for i := range ages {
				ages[i] = time.Duration(i+1) * time.Hour
			}
			b := Breakdown(History{Messages: messages(1, 0, 0, 0), Alerts: alertsAged(ages...)}, now)
			assert.Equal(t, tt.want, b.RecentFraudPenalty)
		})
	}
}

func TestOldAndSummaryAlertsAreNotRecent(t *testing.T) {
	alerts := alertsAged(8*day, 40*day)
	alerts = append(alerts, models.FraudAlert{Kind: models.AlertKindScanSummary, CreatedAt: now})

	b := Breakdown(History{Messages: messages(1, 0, 0, 0), Alerts: alerts}, now)
	assert.Equal(t, 0, b.RecentAlerts)
	assert.Equal(t, 1, b.MonthlyAlerts)
}

func TestZeroThreatScore(t *testing.T) {
	b := Breakdown(History{
		Messages: messages(0, 0, 4, 2),
		Alerts:   alertsAged(time.Hour, 2*time.Hour),
	}, now)

	assert.Zero(t, b.FraudPenalty)
	assert.Zero(t, b.SuspiciousPenalty)
	assert.Zero(t, b.RecentFraudPenalty)

	record := Compute("acc-1", History{Messages: messages(0, 0, 4, 2)}, now)
	assert.Equal(t, 93, record.Score)
	assert.Equal(t, models.RiskBandLow, record.RiskBand)
	assert.Equal(t, []string{RecommendNoThreats, RecommendScanMoreOften}, record.Recommendations)
}

func TestScoreIsAlwaysBounded(t *testing.T) {
	for _, fraud := range []int{0, 1, 5, 40} {
		for _, suspicious := range []int{0, 2, 30} {
			for _, safe := range []int{0, 7, 500} {
				for _, recent := range []int{0, 2, 12} {
					for _, scans := range []int{0, 10, 50} {
						ages := make([]time.Duration, recent)
						for i := range ages {
							ages[i] = time.Hour
						}
						record := Compute("acc-1", History{
							Messages:   messages(fraud, suspicious, safe, 0),
							Alerts:     alertsAged(ages...),
							TotalScans: scans,
						}, now)
						require.GreaterOrEqual(t, record.Score, 0)
						require.LessOrEqual(t, record.Score, 100)
						require.Equal(t, models.BandForScore(record.Score), record.RiskBand)
					}
				}
			}
		}
	}
}

func TestRiskBands(t *testing.T) {
	assert.Equal(t, models.RiskBandHigh, models.BandForScore(0))
	assert.Equal(t, models.RiskBandHigh, models.BandForScore(40))
	assert.Equal(t, models.RiskBandMedium, models.BandForScore(41))
	assert.Equal(t, models.RiskBandMedium, models.BandForScore(70))
	assert.Equal(t, models.RiskBandLow, models.BandForScore(71))
	assert.Equal(t, models.RiskBandLow, models.BandForScore(100))
}

func TestRecommendationsFollowDominantPenalty(t *testing.T) {
	tests := []struct {
		name string
		b    models.ScoreBreakdown
		want []string
	}{
		{
			name: "fraud dominates",
			b:    models.ScoreBreakdown{FraudPenalty: -45, SuspiciousPenalty: -8, TotalScans: 30},
			want: []string{RecommendReviewFraud, RecommendCheckSuspicious},
		},
		{
			name: "suspicious dominates",
			b:    models.ScoreBreakdown{FraudPenalty: -15, SuspiciousPenalty: -24, TotalScans: 30},
			want: []string{RecommendCheckSuspicious, RecommendReviewFraud},
		},
		{
			name: "tie resolves to fraud",
			b:    models.ScoreBreakdown{FraudPenalty: -20, RecentFraudPenalty: -20, TotalScans: 30},
			want: []string{RecommendReviewFraud, RecommendRecentFraud},
		},
		{
			name: "volume only",
			b:    models.ScoreBreakdown{VolumePenalty: -3, TotalScans: 30},
			want: []string{RecommendFilterSenders},
		},
		{
			name: "new account",
			b:    models.ScoreBreakdown{TotalScans: 1},
			want: []string{RecommendNoThreats, RecommendScanMoreOften},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommendations(tt.b))
		})
	}
}

type fixedCursors struct {
	cursor *models.ScanCursor
}

func (f fixedCursors) Cursor(ctx context.Context, accountID string) (*models.ScanCursor, error) {
	return f.cursor, nil
}

func seedMessages(t *testing.T, remote *store.Memory, accountID string, msgs []models.AnalyzedMessage) {
	t.Helper()
	for _, m := range msgs {
		doc, err := store.Encode(m)
		require.NoError(t, err)
		require.NoError(t, remote.Set(context.Background(), store.AccountKey(accountID, store.CollectionMessages, m.ID), doc))
	}
}

func newTestEngine(t *testing.T, remote *store.Memory, at *time.Time) *Engine {
	t.Helper()
	e := NewEngine(
		reconciletest.New(t, remote),
		fixedCursors{cursor: &models.ScanCursor{AccountID: "acc-1", TotalScans: 10}},
		metrics.New(nil),
		reconciletest.Logger(),
		time.Hour,
	)
	e.now = func() time.Time { return *at }
	return e
}

func TestCalculateScorePersists(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	seedMessages(t, remote, "acc-1", messages(1, 1, 2, 0))
	at := now
	e := newTestEngine(t, remote, &at)

	record, err := e.CalculateScore(ctx, "acc-1")
	require.NoError(t, err)
	// 85 - 15 - 8 + 4 + 5 scan milestone
	assert.Equal(t, 71, record.Score)
	assert.Equal(t, 10, record.Breakdown.TotalScans)

	doc, err := remote.Get(ctx, store.AccountKey("acc-1", store.CollectionScores, "current"))
	require.NoError(t, err)
	assert.EqualValues(t, 71, doc["score"])
	assert.Equal(t, "low", doc["risk_band"])
}

func TestScoreServesFreshRecord(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	seedMessages(t, remote, "acc-1", messages(1, 0, 0, 0))
	at := now
	e := newTestEngine(t, remote, &at)

	first, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)

	// new history is ignored while the record is fresh
	seedMessages(t, remote, "acc-1", messages(0, 3, 0, 0))
	at = now.Add(30 * time.Minute)

	second, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.True(t, second.CalculatedAt.Equal(first.CalculatedAt))
}

func TestHistorySkipsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	seedMessages(t, remote, "acc-1", messages(1, 0, 1, 0))
	require.NoError(t, remote.Set(ctx, store.AccountKey("acc-1", store.CollectionMessages, "odd"), store.Document{
		"id":     "odd",
		"status": "quarantined",
	}))
	at := now
	e := newTestEngine(t, remote, &at)

	record, err := e.CalculateScore(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, record.Breakdown.TotalMessages)
}

func TestScoreRecomputesRecordWithUnknownBand(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	seedMessages(t, remote, "acc-1", messages(1, 0, 0, 0))
	at := now
	e := newTestEngine(t, remote, &at)

	key := store.AccountKey("acc-1", store.CollectionScores, "current")
	require.NoError(t, remote.Set(ctx, key, store.Document{
		"account_id":    "acc-1",
		"score":         3,
		"risk_band":     "extreme",
		"calculated_at": now.Format(time.RFC3339Nano),
	}))

	record, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)
	assert.NotEqual(t, 3, record.Score)
	assert.Equal(t, models.BandForScore(record.Score), record.RiskBand)

	doc, err := remote.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, string(record.RiskBand), doc["risk_band"])
}

func TestScoreServesStaleRecordAndRefreshes(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	seedMessages(t, remote, "acc-1", messages(1, 0, 0, 0))
	at := now
	e := newTestEngine(t, remote, &at)

	first, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)

	seedMessages(t, remote, "acc-1", messages(0, 3, 0, 0))
	at = now.Add(2 * time.Hour)

	stale, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, first.Score, stale.Score)

	key := store.AccountKey("acc-1", store.CollectionScores, "current")
	require.Eventually(t, func() bool {
		doc, err := remote.Get(ctx, key)
		return err == nil && store.ToInt64(doc["score"]) == int64(first.Score-24)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScoreWorksOffline(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemory()
	at := now
	e := newTestEngine(t, remote, &at)
	remote.SetAvailable(false)

	record, err := e.Score(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 90, record.Score)
}
