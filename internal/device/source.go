package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mixelka/smsguard/pkg/models"
)

const (
	messagesFile = "messages.json"
	locationFile = "location.json"

	// revokedMarker in an account directory means the user withdrew SMS access
	revokedMarker = ".revoked"
)

// ErrPermissionDenied is returned when the user has not granted SMS access
var ErrPermissionDenied = errors.New("sms read permission denied")

// Source yields the messages stored on a device
type Source interface {
	Messages(ctx context.Context, accountID string, since time.Time) ([]models.RawMessage, error)
}

// ExportSource reads device exports laid out as <dir>/<account_id>/messages.json
type ExportSource struct {
	dir    string
	logger *slog.Logger
}

// NewExportSource creates a source over an export directory
func NewExportSource(dir string, logger *slog.Logger) *ExportSource {
	return &ExportSource{
		dir:    dir,
		logger: logger.With("component", "device_source"),
	}
}

// Messages returns messages captured after since, oldest first.
// A zero since returns everything on the device.
func (s *ExportSource) Messages(ctx context.Context, accountID string, since time.Time) ([]models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	accountDir := filepath.Join(s.dir, accountID)
	if _, err := os.Stat(filepath.Join(accountDir, revokedMarker)); err == nil {
		return nil, ErrPermissionDenied
	}

	data, err := os.ReadFile(filepath.Join(accountDir, messagesFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("no device export", "account_id", accountID)
		return nil, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, ErrPermissionDenied
	case err != nil:
		return nil, fmt.Errorf("failed to read device export: %w", err)
	}

	var all []models.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse device export: %w", err)
	}

	messages := make([]models.RawMessage, 0, len(all))
	for _, msg := range all {
		if msg.ID == "" {
			s.logger.Warn("skipping message without id", "account_id", accountID, "sender", msg.Sender)
			continue
		}
		if !since.IsZero() && !msg.CapturedAt.After(since) {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CapturedAt.Before(messages[j].CapturedAt)
	})
	return messages, nil
}
