package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/pkg/models"
)

// Client is a classification gateway API client
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	batchSize  int
	threshold  float64
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Config for the classifier client
type Config struct {
	BaseURL             string // e.g., https://classifier.example.com
	APIKey              string
	Timeout             time.Duration // per batch
	BatchSize           int
	SuspiciousThreshold float64 // fraud verdicts at or below it are downgraded to suspicious
}

// BatchMessage is a message in a batch request
type BatchMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BatchRequest is a batch classification request
type BatchRequest struct {
	Messages []BatchMessage `json:"messages"`
}

// Prediction is the verdict for one message
type Prediction struct {
	ID            string             `json:"id"`
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
}

// BatchResponse is a batch classification response
type BatchResponse struct {
	Results          []Prediction `json:"results"`
	ProcessingTimeMs float64      `json:"processing_time_ms"`
}

// NewClient creates a new classifier client
func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 0.8
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		batchSize: cfg.BatchSize,
		threshold: cfg.SuspiciousThreshold,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		metrics: m,
		logger:  logger.With("component", "classifier"),
		now:     time.Now,
	}
}

// IsConfigured returns true if a classification gateway is configured
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// StatusForLabel maps a classifier label to a message status. Fraud verdicts
// with confidence at or below threshold are reported as suspicious.
func StatusForLabel(label string, confidence, threshold float64) models.Status {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "fraud", "scam", "phishing", "smishing":
		if confidence <= threshold {
			return models.StatusSuspicious
		}
		return models.StatusFraud
	case "suspicious", "spam":
		return models.StatusSuspicious
	case "safe", "ham", "legit", "normal":
		return models.StatusSafe
	case "blocked":
		return models.StatusBlocked
	case "under_review", "review":
		return models.StatusUnderReview
	default:
		return models.StatusUnknown
	}
}

// Classify analyzes messages in batches. A failed or timed out batch yields
// status unknown for its messages instead of an error.
func (c *Client) Classify(ctx context.Context, msgs []models.RawMessage) []models.AnalyzedMessage {
	out := make([]models.AnalyzedMessage, 0, len(msgs))

	for start := 0; start < len(msgs); start += c.batchSize {
		end := min(start+c.batchSize, len(msgs))
		out = append(out, c.classifyChunk(ctx, msgs[start:end])...)
	}

	return out
}

func (c *Client) classifyChunk(ctx context.Context, msgs []models.RawMessage) []models.AnalyzedMessage {
	predictions := make(map[string]Prediction, len(msgs))

	if c.IsConfigured() {
		batch := make([]BatchMessage, 0, len(msgs))
		for _, m := range msgs {
			batch = append(batch, BatchMessage{ID: m.ID, Text: m.Text})
		}

		batchCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.ClassifyBatch(batchCtx, batch)
		cancel()
		if err != nil {
			c.metrics.ClassifierErrors.Inc()
			c.logger.Warn("classification failed, falling back to unknown", "messages", len(msgs), "error", err)
		} else {
			for _, p := range resp.Results {
				predictions[p.ID] = p
			}
		}
	}

	analyzedAt := c.now().UTC()
	out := make([]models.AnalyzedMessage, 0, len(msgs))
	for _, m := range msgs {
		analyzed := models.AnalyzedMessage{
			RawMessage: m,
			Status:     models.StatusUnknown,
			AnalyzedAt: analyzedAt,
		}
		if p, ok := predictions[m.ID]; ok {
			analyzed.Label = p.Label
			analyzed.Confidence = clampConfidence(p.Confidence)
			analyzed.Status = StatusForLabel(p.Label, analyzed.Confidence, c.threshold)
		}
		out = append(out, analyzed)
	}
	return out
}

// ClassifyBatch sends one batch to the gateway
func (c *Client) ClassifyBatch(ctx context.Context, messages []BatchMessage) (*BatchResponse, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("classifier not configured")
	}

	body, err := json.Marshal(BatchRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/classify/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s (status %d)", string(respBody), resp.StatusCode)
	}

	var result BatchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
	}

	return &result, nil
}

// HealthCheck checks if the gateway is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConfigured() {
		return fmt.Errorf("classifier not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func clampConfidence(v float64) float64 {
	return max(0, min(1, v))
}
