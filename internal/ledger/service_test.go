package ledger

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
	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/marketdata"
	"github.com/papermarkets/riskengine/internal/pricing"
	"github.com/papermarkets/riskengine/internal/volatility"
)

// fakeProvider serves canned prices. Historical and dividend lookups come
// back empty so the estimator falls back to its defaults, keeping the
// pricing inputs in these tests deterministic.
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

type fixture struct {
	svc      *Service
	store    Store
	provider *fakeProvider
	clock    *clock.Fake
}

func newFixture(t *testing.T, initialCash int64) *fixture {
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

	store, err := NewGormStore(db)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	provider := newFakeProvider()
	estimator := volatility.NewEstimator(provider, volatility.Defaults(), clk, zap.NewNop())
	calc := margin.NewCalculator(margin.DefaultTiers(), margin.DefaultThresholds())

	svc := NewService(store, provider, estimator, calc, clk, zap.NewNop(),
		Config{InitialCash: decimal.NewFromInt(initialCash)})
	return &fixture{svc: svc, store: store, provider: provider, clock: clk}
}

func (f *fixture) expiry(days int) time.Time {
	return f.clock.Now().AddDate(0, 0, days)
}

func (f *fixture) cash(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	acct, err := f.store.Account(context.Background(), userID)
	require.NoError(t, err)
	return acct.Cash
}

func TestTradeLongDebitsPremium(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	res, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusOpen, res.Contract.Status)
	assert.True(t, res.TotalPremium.IsPositive())

	want := decimal.NewFromInt(100_000).Sub(res.TotalPremium)
	assert.True(t, f.cash(t, "alice").Equal(want),
		"cash %s, want %s", f.cash(t, "alice"), want)

	open, err := f.store.OpenContractsByUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].MarginRequired.IsZero(), "long positions reserve no margin")
}

func TestTradeLongInsufficientFunds(t *testing.T) {
	f := newFixture(t, 10)
	f.provider.setPrice("AAPL", 180)

	_, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, f.cash(t, "alice").Equal(decimal.NewFromInt(10)), "rejection must not move cash")
	open, err := f.store.OpenContractsByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTradeShortCreditsPremiumAndReservesMargin(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	res, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	// Writer collects the premium up front.
	want := decimal.NewFromInt(100_000).Add(res.TotalPremium)
	assert.True(t, f.cash(t, "bob").Equal(want))
	assert.True(t, res.Contract.MarginRequired.IsPositive())

	status, err := f.svc.MarginStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, status.MarginUsed.Equal(res.Contract.MarginRequired))
	assert.Equal(t, margin.LevelHealthy, status.Level)
}

func TestTradeShortSecuredSkipsMargin(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	res, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1, Secured: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Contract.MarginRequired.IsZero())

	status, err := f.svc.MarginStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, status.MarginUsed.IsZero())
}

func TestTradeShortInsufficientMargin(t *testing.T) {
	f := newFixture(t, 100)
	f.provider.setPrice("AAPL", 180)

	_, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.ErrorIs(t, err, ErrInsufficientMargin)

	assert.True(t, f.cash(t, "bob").Equal(decimal.NewFromInt(100)))
	open, err := f.store.OpenContractsByUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestTradeValidation(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)
	valid := TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	}

	cases := []struct {
		name   string
		mutate func(*TradeRequest)
	}{
		{"missing user", func(r *TradeRequest) { r.UserID = "" }},
		{"missing symbol", func(r *TradeRequest) { r.Symbol = "" }},
		{"bad type", func(r *TradeRequest) { r.Type = "straddle" }},
		{"bad side", func(r *TradeRequest) { r.Side = "sideways" }},
		{"zero strike", func(r *TradeRequest) { r.Strike = 0 }},
		{"negative quantity", func(r *TradeRequest) { r.Quantity = -1 }},
		{"past expiration", func(r *TradeRequest) { r.Expiration = f.clock.Now().AddDate(0, 0, -1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := f.svc.Trade(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestTradePriceUnavailable(t *testing.T) {
	f := newFixture(t, 100_000)

	_, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "GHOST", Type: pricing.Call, Side: Long,
		Strike: 100, Expiration: f.expiry(30), Quantity: 1,
	})
	require.ErrorIs(t, err, marketdata.ErrPriceUnavailable)
}

func TestCloseLongRealizesGain(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	// Rally: the call gains at least its new intrinsic value.
	f.provider.setPrice("AAPL", 200)
	closed, err := f.svc.Close(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, closed.Contract.Status)
	assert.True(t, closed.RealizedPL.IsPositive())
	require.NotNil(t, closed.Contract.ClosedAt)

	wantCash := decimal.NewFromInt(100_000).
		Sub(opened.TotalPremium).
		Add(closed.RealizedPL).
		Add(opened.TotalPremium) // proceeds = entry value + gain
	assert.True(t, f.cash(t, "alice").Equal(wantCash),
		"cash %s, want %s", f.cash(t, "alice"), wantCash)
}

func TestCloseShortBuybackReleasesMargin(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Put, Side: Short,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	// Rally: the short put decays, buy-back is cheaper than the entry.
	f.provider.setPrice("AAPL", 195)
	closed, err := f.svc.Close(context.Background(), "bob", opened.Contract.ID)
	require.NoError(t, err)

	assert.True(t, closed.RealizedPL.IsPositive())
	assert.True(t, closed.Contract.MarginRequired.IsZero())

	status, err := f.svc.MarginStatus(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, status.MarginUsed.IsZero(), "closing must release reserved margin")
}

func TestCloseShortInsufficientFundsLeavesOpen(t *testing.T) {
	f := newFixture(t, 1_000)
	f.provider.setPrice("AAPL", 100)

	// Secured, so the open side does not require margin headroom.
	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
		Strike: 100, Expiration: f.expiry(30), Quantity: 1, Secured: true,
	})
	require.NoError(t, err)

	// Moonshot: the buy-back now costs far more than the account holds.
	f.provider.setPrice("AAPL", 500)
	_, err = f.svc.Close(context.Background(), "bob", opened.Contract.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := f.store.ContractByID(context.Background(), "bob", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "failed buy-back must not mutate the position")
}

func TestCloseRejectsUnknownAndClosedPositions(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	// Another user cannot touch it.
	_, err = f.svc.Close(context.Background(), "mallory", opened.Contract.ID)
	require.ErrorIs(t, err, ErrPositionNotFound)

	_, err = f.svc.Close(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)

	// Second close is rejected, not double-counted.
	_, err = f.svc.Close(context.Background(), "alice", opened.Contract.ID)
	require.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestSettleExercisesITMCall(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 100)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 90, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)
	cashAfterOpen := f.cash(t, "alice")

	f.clock.Advance(31 * 24 * time.Hour)
	outcome, err := f.svc.Settle(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExercised, outcome)

	// Intrinsic 10/share on 1 contract.
	settlement := decimal.NewFromInt(1_000)
	assert.True(t, f.cash(t, "alice").Equal(cashAfterOpen.Add(settlement)))

	got, err := f.store.ContractByID(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExercised, got.Status)
	assert.True(t, got.RealizedPL.Equal(settlement.Sub(opened.TotalPremium)))

	// Settling again is a no-op.
	outcome, err = f.svc.Settle(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestSettleExpiresOTMWorthless(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 100)

	long, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 120, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)
	short, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
		Strike: 120, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)
	aliceCash := f.cash(t, "alice")
	bobCash := f.cash(t, "bob")

	f.clock.Advance(31 * 24 * time.Hour)

	outcome, err := f.svc.Settle(context.Background(), "alice", long.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	outcome, err = f.svc.Settle(context.Background(), "bob", short.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)

	// Worthless expiry moves no cash: the buyer already paid, the writer
	// already collected. P/L is exactly plus/minus the entry premium.
	assert.True(t, f.cash(t, "alice").Equal(aliceCash))
	assert.True(t, f.cash(t, "bob").Equal(bobCash))

	gotLong, err := f.store.ContractByID(context.Background(), "alice", long.Contract.ID)
	require.NoError(t, err)
	assert.True(t, gotLong.RealizedPL.Equal(long.TotalPremium.Neg()))

	gotShort, err := f.store.ContractByID(context.Background(), "bob", short.Contract.ID)
	require.NoError(t, err)
	assert.True(t, gotShort.RealizedPL.Equal(short.TotalPremium))
	assert.True(t, gotShort.MarginRequired.IsZero(), "expiry must release margin")
}

func TestSettleBeforeExpiryIsSkipped(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 100)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 90, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	outcome, err := f.svc.Settle(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestSettleRetriesWhenPriceUnavailable(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 100)

	opened, err := f.svc.Trade(context.Background(), TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 90, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	f.provider.setError("AAPL", marketdata.ErrPriceUnavailable)

	_, err = f.svc.Settle(context.Background(), "alice", opened.Contract.ID)
	require.ErrorIs(t, err, ErrSettlement)

	got, err := f.store.ContractByID(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "failed settlement keeps last-good state")

	// The feed recovers and the retry completes.
	f.provider.setError("AAPL", nil)
	outcome, err := f.svc.Settle(context.Background(), "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExercised, outcome)
}

// failingSettleStore interrupts the first settlement commit to exercise
// the sweep retry path.
type failingSettleStore struct {
	Store
	failures int
}

func (s *failingSettleStore) SettleContract(ctx context.Context, c *OptionContract, cashDelta decimal.Decimal) error {
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("commit interrupted")
	}
	return s.Store.SettleContract(ctx, c, cashDelta)
}

func TestSettleRetryAfterCommitFailureMovesCashOnce(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 100)
	ctx := context.Background()

	opened, err := f.svc.Trade(ctx, TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 90, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)
	cashAfterOpen := f.cash(t, "alice")

	f.clock.Advance(31 * 24 * time.Hour)

	flaky := &failingSettleStore{Store: f.store, failures: 1}
	estimator := volatility.NewEstimator(f.provider, volatility.Defaults(), f.clock, zap.NewNop())
	calc := margin.NewCalculator(margin.DefaultTiers(), margin.DefaultThresholds())
	svc := NewService(flaky, f.provider, estimator, calc, f.clock, zap.NewNop(),
		Config{InitialCash: decimal.NewFromInt(100_000)})

	_, err = svc.Settle(ctx, "alice", opened.Contract.ID)
	require.ErrorIs(t, err, ErrSettlement)

	got, err := f.store.ContractByID(ctx, "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.True(t, f.cash(t, "alice").Equal(cashAfterOpen),
		"interrupted settlement must not move cash")

	// The retry pays the intrinsic 10/share exactly once.
	outcome, err := svc.Settle(ctx, "alice", opened.Contract.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExercised, outcome)

	want := cashAfterOpen.Add(decimal.NewFromInt(1_000))
	assert.True(t, f.cash(t, "alice").Equal(want),
		"cash %s, want %s", f.cash(t, "alice"), want)
}

func TestLiquidateUntilHealthy(t *testing.T) {
	f := newFixture(t, 10_000)
	f.provider.setPrice("AAPL", 100)
	ctx := context.Background()

	_, err := f.store.EnsureAccount(ctx, "carol", decimal.NewFromInt(10_000))
	require.NoError(t, err)

	// Two deep-OTM unsecured shorts whose reservations dwarf the account.
	// Cheap to buy back, so liquidation can always fund the closes.
	mkShort := func(requirement int64) *OptionContract {
		c := &OptionContract{
			ID: uuid.New(), UserID: "carol", Symbol: "AAPL",
			Type: pricing.Call, Side: Short,
			Strike: decimal.NewFromInt(250), Expiration: f.expiry(30),
			Quantity: 1, EntryPremium: decimal.NewFromFloat(0.50),
			MarginRequired: decimal.NewFromInt(requirement),
			Status:         StatusOpen, OpenedAt: f.clock.Now(),
		}
		require.NoError(t, f.store.CreateContract(ctx, c))
		return c
	}
	small := mkShort(3_000)
	big := mkShort(6_000)

	before, err := f.svc.MarginStatus(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, margin.LevelLiquidation, before.Level)

	report, err := f.svc.LiquidateUntilHealthy(ctx, "carol")
	require.NoError(t, err)

	// Largest reservation goes first; closing it alone restores the ratio.
	require.NotEmpty(t, report.Closed)
	assert.Equal(t, big.ID, report.Closed[0].Contract.ID)
	assert.GreaterOrEqual(t, report.Status.EquityRatio, margin.DefaultThresholds().Liquidation)

	gotSmall, err := f.store.ContractByID(ctx, "carol", small.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, gotSmall.Status, "stop as soon as the ratio recovers")

	// Re-running against a healthy account closes nothing.
	again, err := f.svc.LiquidateUntilHealthy(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, again.Closed)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()

	require.NoError(t, f.svc.Deposit(ctx, "alice", decimal.NewFromInt(500)))
	assert.True(t, f.cash(t, "alice").Equal(decimal.NewFromInt(1_500)))

	err := f.svc.Deposit(ctx, "alice", decimal.NewFromInt(-5))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPortfolioMarksOpenPositions(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)
	f.provider.setPrice("MSFT", 400)
	ctx := context.Background()

	_, err := f.svc.Trade(ctx, TradeRequest{
		UserID: "alice", Symbol: "AAPL", Type: pricing.Call, Side: Long,
		Strike: 180, Expiration: f.expiry(30), Quantity: 1,
	})
	require.NoError(t, err)
	_, err = f.svc.Trade(ctx, TradeRequest{
		UserID: "alice", Symbol: "MSFT", Type: pricing.Put, Side: Long,
		Strike: 400, Expiration: f.expiry(60), Quantity: 2,
	})
	require.NoError(t, err)

	pf, err := f.svc.Portfolio(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pf.Positions, 2)
	for _, pos := range pf.Positions {
		assert.Greater(t, pos.Mark, 0.0)
		assert.True(t, pos.MarketValue.IsPositive())
		assert.Greater(t, pos.TimeToExpiry, 0.0)
	}
	assert.Equal(t, margin.LevelHealthy, pf.Status.Level)

	// Fresh open at an unchanged price marks at the entry premium.
	assert.True(t, pf.Positions[0].UnrealizedPL.Abs().LessThan(decimal.NewFromInt(1)))
}

func TestMarginUsedDropsAsShortsClose(t *testing.T) {
	f := newFixture(t, 200_000)
	f.provider.setPrice("AAPL", 180)
	ctx := context.Background()

	var opened []*TradeResult
	for i := 0; i < 3; i++ {
		res, err := f.svc.Trade(ctx, TradeRequest{
			UserID: "bob", Symbol: "AAPL", Type: pricing.Call, Side: Short,
			Strike: 180, Expiration: f.expiry(30), Quantity: 1,
		})
		require.NoError(t, err)
		opened = append(opened, res)
	}

	prev, err := f.svc.MarginStatus(ctx, "bob")
	require.NoError(t, err)
	for _, res := range opened {
		_, err := f.svc.Close(ctx, "bob", res.Contract.ID)
		require.NoError(t, err)

		status, err := f.svc.MarginStatus(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, status.MarginUsed.LessThan(prev.MarginUsed),
			"margin used must fall with every closed short")
		prev = status
	}
	assert.True(t, prev.MarginUsed.IsZero())
}

func TestPriceQuote(t *testing.T) {
	f := newFixture(t, 100_000)
	f.provider.setPrice("AAPL", 180)

	quote, err := f.svc.Price(context.Background(), PriceRequest{
		Symbol: "AAPL", Type: pricing.Call, Strike: 180,
		Expiration: f.expiry(90), Quantity: 3,
	})
	require.NoError(t, err)

	assert.Greater(t, quote.Premium, 0.0)
	assert.Equal(t, pricing.AtTheMoney, quote.Moneyness)
	assert.InDelta(t, 0.30, quote.Volatility, 1e-9, "no history falls back to the sector default")
	assert.InDelta(t, 0.05, quote.RiskFreeRate, 1e-9)
	assert.Greater(t, quote.Greeks.Delta, 0.0)

	want := decimal.NewFromFloat(quote.Premium).
		Mul(decimal.NewFromInt(300)).Round(2)
	assert.True(t, quote.TotalPremium.Equal(want))

	_, err = f.svc.Price(context.Background(), PriceRequest{
		Symbol: "", Type: pricing.Call, Strike: 180, Expiration: f.expiry(90),
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}
