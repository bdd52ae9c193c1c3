package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultScanTimeout = 5 * time.Minute

// AccountScanner scans one account
type AccountScanner interface {
	ScanAccount(ctx context.Context, accountID string) (*Report, error)
}

// ReportHandler receives the outcome of every scan
type ReportHandler func(accountID string, report *Report, err error)

// Manager runs periodic scans for a set of accounts, one goroutine per
// account so that every account has a single writer
type Manager struct {
	workers     map[string]*worker
	mu          sync.RWMutex
	scanner     AccountScanner
	interval    time.Duration
	scanTimeout time.Duration
	logger      *slog.Logger
	onReport    ReportHandler
}

type worker struct {
	accountID string
	ctx       context.Context
	cancel    context.CancelFunc
	trigger   chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	scanning bool
	last     *Report
	lastErr  error
}

// NewManager creates a scan manager
func NewManager(scanner AccountScanner, interval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		workers:     make(map[string]*worker),
		scanner:     scanner,
		interval:    interval,
		scanTimeout: defaultScanTimeout,
		logger:      logger.With("component", "scan_manager"),
	}
}

// SetReportHandler sets the handler called after every scan
func (m *Manager) SetReportHandler(handler ReportHandler) {
	m.onReport = handler
}

// AddAccount starts scanning an account. The first scan runs immediately.
func (m *Manager) AddAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[accountID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		accountID: accountID,
		ctx:       ctx,
		cancel:    cancel,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	m.workers[accountID] = w

	go m.run(w)

	m.logger.Info("added account", "account_id", accountID)
}

func (m *Manager) run(w *worker) {
	defer close(w.done)

	m.scan(w)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			m.scan(w)
		case <-w.trigger:
			m.scan(w)
		}
	}
}

func (m *Manager) scan(w *worker) {
	ctx, cancel := context.WithTimeout(w.ctx, m.scanTimeout)
	defer cancel()

	w.mu.Lock()
	w.scanning = true
	w.mu.Unlock()

	report, err := m.scanner.ScanAccount(ctx, w.accountID)

	w.mu.Lock()
	w.scanning = false
	w.lastErr = err
	if err == nil {
		w.last = report
	}
	w.mu.Unlock()

	if err != nil {
		m.logger.Error("scan failed", "account_id", w.accountID, "error", err)
	}
	if m.onReport != nil {
		m.onReport(w.accountID, report, err)
	}
}

// ScanNow requests an immediate scan. It returns false when the account is
// not managed; a request while one is already queued is merged.
func (m *Manager) ScanNow(accountID string) bool {
	m.mu.RLock()
	w, exists := m.workers[accountID]
	m.mu.RUnlock()

	if !exists {
		return false
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
	return true
}

// RemoveAccount stops scanning an account and waits for a running scan to
// abort
func (m *Manager) RemoveAccount(accountID string) {
	m.mu.Lock()
	w, exists := m.workers[accountID]
	delete(m.workers, accountID)
	m.mu.Unlock()

	if !exists {
		return
	}

	w.cancel()
	<-w.done

	m.logger.Info("removed account", "account_id", accountID)
}

// GetStatus returns the status of an account
func (m *Manager) GetStatus(accountID string) string {
	m.mu.RLock()
	w, exists := m.workers[accountID]
	m.mu.RUnlock()

	if !exists {
		return "stopped"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.scanning:
		return "scanning"
	case w.lastErr != nil:
		return "failing"
	default:
		return "idle"
	}
}

// LastReport returns the report of the last successful scan of an account
func (m *Manager) LastReport(accountID string) *Report {
	m.mu.RLock()
	w, exists := m.workers[accountID]
	m.mu.RUnlock()

	if !exists {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// RestoreAll starts scanning every configured account
func (m *Manager) RestoreAll(accountIDs []string) {
	m.logger.Info("restoring accounts", "count", len(accountIDs))

	for _, id := range accountIDs {
		m.AddAccount(id)
	}

	m.logger.Info("finished restoring accounts")
}

// StopAll stops every account and waits for running scans to abort
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	m.logger.Info("stopping all scans")

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.cancel()
			<-w.done
		}(w)
	}
	wg.Wait()

	m.logger.Info("all scans stopped")
}
