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

	"github.com/mixelka/smsguard/pkg/models"
)

// Locator provides a best-effort device position
type Locator interface {
	Locate(ctx context.Context, accountID string) (*models.Location, error)
}

// ExportLocator reads the last known position from <dir>/<account_id>/location.json
type ExportLocator struct {
	dir    string
	logger *slog.Logger
}

// NewExportLocator creates a locator over an export directory
func NewExportLocator(dir string, logger *slog.Logger) *ExportLocator {
	return &ExportLocator{
		dir:    dir,
		logger: logger.With("component", "device_locator"),
	}
}

// Locate returns nil without error when no position was exported
func (l *ExportLocator) Locate(ctx context.Context, accountID string) (*models.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(l.dir, accountID, locationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}

	var loc models.Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to parse location: %w", err)
	}
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, fmt.Errorf("location out of range: %f,%f", loc.Latitude, loc.Longitude)
	}
	return &loc, nil
}

// BestEffort wraps a locator so that failures degrade to "no location"
func BestEffort(ctx context.Context, locator Locator, accountID string, logger *slog.Logger) *models.Location {
	if locator == nil {
		return nil
	}
	loc, err := locator.Locate(ctx, accountID)
	if err != nil {
		logger.Warn("location unavailable", "account_id", accountID, "error", err)
		return nil
	}
	return loc
}
