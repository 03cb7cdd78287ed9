package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/papermarkets/riskengine/internal/clock"
	"github.com/papermarkets/riskengine/internal/ledger"
	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/marketdata"
	"github.com/papermarkets/riskengine/internal/pricing"
	"github.com/papermarkets/riskengine/internal/volatility"
)

type fakeProvider struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{prices: make(map[string]float64), errs: make(map[string]error)}
}

func (p *fakeProvider) setPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *fakeProvider) setError(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[symbol] = err
}

func (p *fakeProvider) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[symbol]; err != nil {
		return 0, err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, marketdata.ErrPriceUnavailable
	}
	return price, nil
}

func (p *fakeProvider) HistoricalCloses(context.Context, string, int) ([]float64, error) {
	return nil, nil
}

func (p *fakeProvider) DividendHistory(context.Context, string) (*marketdata.DividendInfo, error) {
	return &marketdata.DividendInfo{}, nil
}

func (p *fakeProvider) RiskFreeRate(context.Context, int) (float64, error) {
	return 0.05, nil
}

// recordingNotifier captures alerts instead of delivering them.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []margin.Level
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, level margin.Level, _ margin.Status, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, level)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fixture struct {
	mon      *Monitor
	svc      *ledger.Service
	store    ledger.Store
	provider *fakeProvider
	clock    *clock.Fake
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := ledger.NewGormStore(db)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	provider := newFakeProvider()
	estimator := volatility.NewEstimator(provider, volatility.Defaults(), clk, zap.NewNop())
	calc := margin.NewCalculator(margin.DefaultTiers(), margin.DefaultThresholds())
	svc := ledger.NewService(store, provider, estimator, calc, clk, zap.NewNop(),
		ledger.Config{InitialCash: decimal.NewFromInt(10_000)})

	notifier := &recordingNotifier{}
	mon := New(svc, notifier, clk, zap.NewNop(), DefaultConfig())
	return &fixture{mon: mon, svc: svc, store: store, provider: provider, clock: clk, notifier: notifier}
}

// shortWithReservation seeds an open deep out-of-the-money unsecured
// short whose margin reservation puts the account in a chosen band. The
// mark is effectively zero, so the equity ratio is driven by the
// reservation alone.
func (f *fixture) shortWithReservation(t *testing.T, userID string, reservation int64) *ledger.OptionContract {
	t.Helper()
	ctx := context.Background()

	_, err := f.store.EnsureAccount(ctx, userID, decimal.NewFromInt(10_000))
	require.NoError(t, err)
	f.provider.setPrice("AAPL", 100)

	c := &ledger.OptionContract{
		ID: uuid.New(), UserID: userID, Symbol: "AAPL",
		Type: pricing.Call, Side: ledger.Short,
		Strike: decimal.NewFromInt(250), Expiration: f.clock.Now().AddDate(0, 0, 30),
		Quantity: 1, EntryPremium: decimal.NewFromFloat(0.50),
		MarginRequired: decimal.NewFromInt(reservation),
		Status:         ledger.StatusOpen, OpenedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.CreateContract(ctx, c))
	return c
}

func TestSweepHealthyUserTakesNoAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "alice", 1_000) // ratio 0.90

	res, err := f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, margin.LevelHealthy, res.Status.Level)
	assert.False(t, res.Warned)
	assert.False(t, res.CallOpened)
	assert.Zero(t, res.Liquidated)
	assert.Zero(t, f.notifier.count())
}

func TestSweepWarningNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "alice", 7_200) // ratio 0.28

	res, err := f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, margin.LevelWarning, res.Status.Level)
	assert.True(t, res.Warned)

	// Unchanged account: the second sweep stays quiet.
	res, err = f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, res.Warned)
	assert.Equal(t, 1, f.notifier.count())
}

func TestWarningRearmsAfterRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.shortWithReservation(t, "alice", 7_200)

	_, err := f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, f.notifier.count())

	// Deposit lifts the account back to healthy; the sweep re-arms the
	// warning.
	require.NoError(t, f.svc.Deposit(ctx, "alice", decimal.NewFromInt(20_000)))
	res, err := f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, margin.LevelHealthy, res.Status.Level)

	// Withdraw-equivalent: bump the reservation so the account slips back.
	c.MarginRequired = decimal.NewFromInt(22_000)
	require.NoError(t, f.store.UpdateContract(ctx, c))

	res, err = f.mon.SweepUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, res.Warned)
	assert.Equal(t, 2, f.notifier.count())
}

func TestSweepMarginCallOpensSingleCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "bob", 7_800) // ratio 0.22

	res, err := f.mon.SweepUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, margin.LevelMarginCall, res.Status.Level)
	assert.True(t, res.CallOpened)

	pending, err := f.store.PendingMarginCalls(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Deposit needed to get back to the 0.25 threshold:
	// (7800 - 0.75*10000) / 0.75 = 400.
	amount, _ := pending[0].Amount.Float64()
	assert.InDelta(t, 400, amount, 0.5)

	// Re-sweeping must not stack calls.
	res, err = f.mon.SweepUser(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, res.CallOpened)
	pending, err = f.store.PendingMarginCalls(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRecoveryResolvesPendingCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "bob", 7_800)

	_, err := f.mon.SweepUser(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, f.svc.Deposit(ctx, "bob", decimal.NewFromInt(5_000)))
	res, err := f.mon.SweepUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, margin.LevelHealthy, res.Status.Level)
	assert.Equal(t, 1, res.Resolved)

	pending, err := f.store.PendingMarginCalls(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepLiquidationRestoresRatio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "carol", 6_000)
	f.shortWithReservation(t, "carol", 3_200) // combined ratio 0.08

	res, err := f.mon.SweepUser(ctx, "carol")
	require.NoError(t, err)
	assert.Greater(t, res.Liquidated, 0)
	assert.GreaterOrEqual(t, res.Status.EquityRatio, margin.DefaultThresholds().Liquidation)
	assert.Equal(t, 1, f.notifier.count())

	// The account is stable now; re-sweeping touches nothing.
	res, err = f.mon.SweepUser(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, res.Liquidated)
	assert.Equal(t, 1, f.notifier.count())
}

func TestLiquidationResolvesCoveredCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.shortWithReservation(t, "dave", 7_800) // ratio 0.22

	res, err := f.mon.SweepUser(ctx, "dave")
	require.NoError(t, err)
	require.True(t, res.CallOpened)

	// The account degrades further before any deposit arrives.
	c.MarginRequired = decimal.NewFromInt(9_200) // ratio 0.08
	require.NoError(t, f.store.UpdateContract(ctx, c))

	res, err = f.mon.SweepUser(ctx, "dave")
	require.NoError(t, err)
	assert.Greater(t, res.Liquidated, 0)
	assert.Equal(t, 1, res.Resolved)

	pending, err := f.store.PendingMarginCalls(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, pending, "a call covered by the forced closes must not stay pending")

	// Nothing left to close or resolve on the next pass.
	res, err = f.mon.SweepUser(ctx, "dave")
	require.NoError(t, err)
	assert.Zero(t, res.Liquidated)
	assert.Zero(t, res.Resolved)
}

func TestSweepAllSkipsFailingUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shortWithReservation(t, "alice", 1_000)
	f.shortWithReservation(t, "carol", 9_000)

	// Alice's symbol feed breaks; carol must still be liquidated.
	bad := f.shortWithReservation(t, "alice", 0)
	bad.Symbol = "GHOST"
	require.NoError(t, f.store.UpdateContract(ctx, bad))

	f.mon.SweepAll(ctx)

	open, err := f.store.OpenContractsByUser(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, open, "carol's short must be force-closed")
}

func TestProcessExpiredSettlesAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.setPrice("AAPL", 100)

	opened, err := f.svc.Trade(ctx, ledger.TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: ledger.Long,
		Strike: 90, Expiration: f.clock.Now().AddDate(0, 0, 10), Quantity: 1,
	})
	require.NoError(t, err)

	f.clock.Advance(11 * 24 * time.Hour)
	f.provider.setError("AAPL", marketdata.ErrPriceUnavailable)

	// First pass cannot price the settlement; the contract stays open.
	report, err := f.mon.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirationReport{Deferred: 1}, *report)
	got, err := f.store.ContractByID(ctx, "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, got.Status)

	// The feed recovers; the next pass settles it.
	f.provider.setError("AAPL", nil)
	report, err = f.mon.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirationReport{Exercised: 1}, *report)
	got, err = f.store.ContractByID(ctx, "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExercised, got.Status)

	// Nothing left to do.
	report, err = f.mon.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpirationReport{}, *report)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
