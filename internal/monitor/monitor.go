// Package monitor runs the periodic margin and expiration sweeps. It
// decides WHEN the ledger's interventions fire; the ledger decides HOW
// money moves.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papermarkets/riskengine/internal/clock"
	"github.com/papermarkets/riskengine/internal/ledger"
	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/pkg/metrics"
)

// Notifier delivers margin alerts to the user. Delivery is best-effort;
// the sweep never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, userID string, level margin.Level, status margin.Status, message string)
}

// LogNotifier writes alerts to the structured log. The default when no
// outbound channel is wired.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, userID string, level margin.Level, status margin.Status, message string) {
	n.Logger.Warn("margin alert",
		zap.String("user", userID),
		zap.String("level", string(level)),
		zap.Float64("equity_ratio", status.EquityRatio),
		zap.String("message", message))
}

// Config holds the sweep cadence.
type Config struct {
	MarginInterval     time.Duration
	ExpirationInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MarginInterval:     30 * time.Second,
		ExpirationInterval: time.Minute,
	}
}

// Monitor drives the margin ladder and option expiration processing.
type Monitor struct {
	svc      *ledger.Service
	store    ledger.Store
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	warned map[string]bool
}

func New(svc *ledger.Service, notifier Notifier, clk clock.Clock, logger *zap.Logger, cfg Config) *Monitor {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Monitor{
		svc:      svc,
		store:    svc.Store(),
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		warned:   make(map[string]bool),
	}
}

// SweepResult reports what one user sweep did.
type SweepResult struct {
	UserID     string        `json:"user_id"`
	Status     margin.Status `json:"status"`
	Warned     bool          `json:"warned"`
	CallOpened bool          `json:"call_opened"`
	Liquidated int           `json:"liquidated"`
	Resolved   int           `json:"resolved"`
}

// SweepUser evaluates one user against the margin ladder and applies the
// intervention for the band the equity ratio falls in. The sweep is
// idempotent: a second pass over an unchanged account takes no action.
func (m *Monitor) SweepUser(ctx context.Context, userID string) (*SweepResult, error) {
	status, err := m.svc.MarginStatus(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &SweepResult{UserID: userID, Status: *status}

	switch status.Level {
	case margin.LevelHealthy:
		n, err := m.resolvePendingCalls(ctx, userID)
		if err != nil {
			return nil, err
		}
		res.Resolved = n
		m.clearWarned(userID)

	case margin.LevelWarning:
		if m.markWarned(userID) {
			m.notifier.Notify(ctx, userID, status.Level, *status,
				"equity ratio approaching the margin call threshold")
			metrics.MarginActions.WithLabelValues("warning").Inc()
			res.Warned = true
		}

	case margin.LevelMarginCall:
		opened, err := m.openMarginCall(ctx, userID, status)
		if err != nil {
			return nil, err
		}
		res.CallOpened = opened

	case margin.LevelLiquidation:
		report, err := m.svc.LiquidateUntilHealthy(ctx, userID)
		if err != nil {
			return nil, err
		}
		res.Liquidated = len(report.Closed)
		res.Status = report.Status
		if len(report.Closed) > 0 {
			metrics.MarginActions.WithLabelValues("liquidation").Inc()
			m.notifier.Notify(ctx, userID, status.Level, report.Status,
				"positions were force-liquidated to restore margin")
		}
		// Forced closes release margin; calls the liquidation has now
		// covered must not stay pending into the next sweep.
		if report.Status.EquityRatio >= m.svc.Calculator().Thresholds().Call {
			n, err := m.resolvePendingCalls(ctx, userID)
			if err != nil {
				return nil, err
			}
			res.Resolved = n
		}
	}
	return res, nil
}

// SweepAll runs the margin ladder over every user holding open contracts.
// Per-user failures are logged and skipped so one bad account cannot stall
// the sweep.
func (m *Monitor) SweepAll(ctx context.Context) {
	metrics.SweepRuns.WithLabelValues("margin").Inc()

	users, err := m.store.UsersWithOpenContracts(ctx)
	if err != nil {
		m.logger.Error("margin sweep: listing users failed", zap.Error(err))
		return
	}
	for _, userID := range users {
		if _, err := m.SweepUser(ctx, userID); err != nil {
			m.logger.Error("margin sweep: user skipped",
				zap.String("user", userID), zap.Error(err))
		}
	}
}

// ExpirationReport counts what one expiration sweep did. Deferred
// contracts stay open and are retried on the next run.
type ExpirationReport struct {
	Exercised int `json:"exercised"`
	Expired   int `json:"expired"`
	Deferred  int `json:"deferred"`
}

// ProcessExpired settles every contract at or past expiration. A contract
// whose settlement fails keeps its state and is retried on the next run.
func (m *Monitor) ProcessExpired(ctx context.Context) (*ExpirationReport, error) {
	metrics.SweepRuns.WithLabelValues("expiration").Inc()

	expired, err := m.store.ExpiredOpenContracts(ctx, m.clock.Now())
	if err != nil {
		m.logger.Error("expiration sweep: listing contracts failed", zap.Error(err))
		return nil, err
	}
	report := &ExpirationReport{}
	for i := range expired {
		c := &expired[i]
		outcome, err := m.svc.Settle(ctx, c.UserID, c.ID)
		if err != nil {
			report.Deferred++
			if errors.Is(err, ledger.ErrSettlement) {
				m.logger.Warn("expiration sweep: settlement deferred",
					zap.String("contract", c.ID.String()), zap.Error(err))
				continue
			}
			m.logger.Error("expiration sweep: settlement failed",
				zap.String("contract", c.ID.String()), zap.Error(err))
			continue
		}
		switch outcome {
		case ledger.OutcomeExercised:
			report.Exercised++
		case ledger.OutcomeExpired:
			report.Expired++
		}
		m.logger.Info("contract settled",
			zap.String("contract", c.ID.String()),
			zap.String("user", c.UserID),
			zap.String("outcome", string(outcome)))
	}
	return report, nil
}

// Run drives both sweeps on their configured cadence until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	marginTicker := time.NewTicker(m.cfg.MarginInterval)
	defer marginTicker.Stop()
	expiryTicker := time.NewTicker(m.cfg.ExpirationInterval)
	defer expiryTicker.Stop()

	m.logger.Info("monitor started",
		zap.Duration("margin_interval", m.cfg.MarginInterval),
		zap.Duration("expiration_interval", m.cfg.ExpirationInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-marginTicker.C:
			m.SweepAll(ctx)
		case <-expiryTicker.C:
			m.ProcessExpired(ctx)
		}
	}
}

// openMarginCall records a pending call sized to restore the equity ratio
// to the call threshold. At most one pending call per user.
func (m *Monitor) openMarginCall(ctx context.Context, userID string, status *margin.Status) (bool, error) {
	pending, err := m.store.PendingMarginCalls(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}

	call := &ledger.MarginCall{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    callShortfall(status, m.svc.Calculator().Thresholds().Call),
		Reason:    "equity ratio below the margin call threshold",
		Status:    ledger.CallPending,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.CreateMarginCall(ctx, call); err != nil {
		return false, err
	}
	metrics.MarginActions.WithLabelValues("margin_call").Inc()
	m.notifier.Notify(ctx, userID, status.Level, *status,
		"margin call: deposit "+call.Amount.String()+" to restore the account")
	return true, nil
}

// resolvePendingCalls marks a recovered user's pending calls satisfied.
func (m *Monitor) resolvePendingCalls(ctx context.Context, userID string) (int, error) {
	pending, err := m.store.PendingMarginCalls(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	for _, call := range pending {
		if err := m.store.ResolveMarginCall(ctx, call.ID, now); err != nil {
			return 0, err
		}
		metrics.MarginActions.WithLabelValues("resolved").Inc()
		m.logger.Info("margin call resolved",
			zap.String("user", userID),
			zap.String("call", call.ID.String()))
	}
	return len(pending), nil
}

// callShortfall is the extra cash A that lifts the equity ratio back to
// the given threshold c: (PV+A-used)/(PV+A) >= c.
func callShortfall(status *margin.Status, threshold float64) decimal.Decimal {
	pv, _ := status.PortfolioValue.Float64()
	used, _ := status.MarginUsed.Float64()
	need := (used - (1-threshold)*pv) / (1 - threshold)
	if need < 0 {
		need = 0
	}
	return decimal.NewFromFloat(need).Round(2)
}

func (m *Monitor) markWarned(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned[userID] {
		return false
	}
	m.warned[userID] = true
	return true
}

func (m *Monitor) clearWarned(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warned, userID)
}
