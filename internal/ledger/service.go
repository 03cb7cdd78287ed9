package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papermarkets/riskengine/internal/clock"
	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/marketdata"
	"github.com/papermarkets/riskengine/internal/pricing"
	"github.com/papermarkets/riskengine/internal/volatility"
	"github.com/papermarkets/riskengine/pkg/metrics"
)

const (
	hoursPerYear = 24 * 365
	// volLookbackDays is the calendar window used for historical
	// volatility when marking positions.
	volLookbackDays = 90
)

// Config holds the ledger service settings.
type Config struct {
	// InitialCash is the balance a user starts the simulation with.
	InitialCash decimal.Decimal
}

// Service implements the engine operations exposed to the front end plus
// the settlement/liquidation primitives the monitor drives.
type Service struct {
	store     Store
	provider  marketdata.Provider
	estimator *volatility.Estimator
	calc      *margin.Calculator
	clock     clock.Clock
	logger    *zap.Logger
	locks     *userLocks
	cfg       Config
}

func NewService(store Store, provider marketdata.Provider, estimator *volatility.Estimator,
	calc *margin.Calculator, clk clock.Clock, logger *zap.Logger, cfg Config) *Service {
	if cfg.InitialCash.IsZero() {
		cfg.InitialCash = decimal.NewFromInt(100_000)
	}
	return &Service{
		store:     store,
		provider:  provider,
		estimator: estimator,
		calc:      calc,
		clock:     clk,
		logger:    logger,
		locks:     newUserLocks(),
		cfg:       cfg,
	}
}

// Calculator exposes the margin calculator shared with the monitor.
func (s *Service) Calculator() *margin.Calculator { return s.calc }

// Store exposes the persistence layer shared with the monitor.
func (s *Service) Store() Store { return s.store }

// PriceRequest prices a hypothetical contract.
type PriceRequest struct {
	Symbol     string             `json:"symbol"`
	Type       pricing.OptionType `json:"type"`
	Strike     float64            `json:"strike"`
	Expiration time.Time          `json:"expiration"`
	Quantity   int64              `json:"quantity"`
}

// QuoteResult is a priced contract plus the inputs the model used.
type QuoteResult struct {
	Premium       float64           `json:"premium"` // per share
	TotalPremium  decimal.Decimal   `json:"total_premium"`
	Greeks        pricing.Greeks    `json:"greeks"`
	Moneyness     pricing.Moneyness `json:"moneyness"`
	Spot          float64           `json:"spot"`
	Volatility    float64           `json:"volatility"`
	RiskFreeRate  float64           `json:"risk_free_rate"`
	DividendYield float64           `json:"dividend_yield"`
	TimeToExpiry  float64           `json:"time_to_expiry"`
}

// Price quotes a contract without touching any state.
func (s *Service) Price(ctx context.Context, req PriceRequest) (*QuoteResult, error) {
	start := time.Now()
	defer func() {
		metrics.PricingRequestDuration.Observe(time.Since(start).Seconds())
	}()

	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	if req.Strike <= 0 {
		return nil, fmt.Errorf("%w: strike must be positive", ErrInvalidInput)
	}
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}

	spot, err := s.provider.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	in, ttl := s.pricingInput(ctx, req.Symbol, req.Strike, req.Expiration, spot)
	if err := in.Validate(req.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	quote := pricing.Compute(req.Type, in)
	return &QuoteResult{
		Premium:       quote.Price,
		TotalPremium:  premiumCash(quote.Price, qty),
		Greeks:        quote.Greeks,
		Moneyness:     pricing.Classify(req.Type, spot, req.Strike),
		Spot:          spot,
		Volatility:    in.Volatility,
		RiskFreeRate:  in.Rate,
		DividendYield: in.DividendYield,
		TimeToExpiry:  ttl,
	}, nil
}

// TradeRequest opens a position.
type TradeRequest struct {
	UserID     string             `json:"user_id"`
	Symbol     string             `json:"symbol"`
	Type       pricing.OptionType `json:"type"`
	Side       Side               `json:"side"`
	Strike     float64            `json:"strike"`
	Expiration time.Time          `json:"expiration"`
	Quantity   int64              `json:"quantity"`
	Secured    bool               `json:"secured"`
}

// TradeResult reports an executed trade.
type TradeResult struct {
	Contract     OptionContract  `json:"contract"`
	Premium      float64         `json:"premium"` // per share
	TotalPremium decimal.Decimal `json:"total_premium"`
	Status       margin.Status   `json:"margin_status"`
}

// Trade validates, prices and opens a position, debiting cash (long) or
// reserving margin (short, unsecured) atomically with creation. Holds the
// user's lock for the whole check-then-act.
func (s *Service) Trade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if err := s.validateTrade(req); err != nil {
		metrics.TradesExecuted.WithLabelValues(string(req.Side), "rejected").Inc()
		return nil, err
	}

	unlock := s.locks.acquire(req.UserID)
	defer unlock()

	if _, err := s.store.EnsureAccount(ctx, req.UserID, s.cfg.InitialCash); err != nil {
		return nil, err
	}

	spot, err := s.provider.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		metrics.TradesExecuted.WithLabelValues(string(req.Side), "rejected").Inc()
		return nil, err
	}
	in, _ := s.pricingInput(ctx, req.Symbol, req.Strike, req.Expiration, spot)
	premium := pricing.Price(req.Type, in)
	totalPremium := premiumCash(premium, req.Quantity)
	now := s.clock.Now()

	contract := &OptionContract{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Type:         req.Type,
		Side:         req.Side,
		Strike:       decimal.NewFromFloat(req.Strike),
		Expiration:   req.Expiration,
		Quantity:     req.Quantity,
		EntryPremium: decimal.NewFromFloat(premium).Round(4),
		Secured:      req.Secured,
		Status:       StatusOpen,
		OpenedAt:     now,
	}

	switch req.Side {
	case Long:
		if err := s.store.DebitIfSufficient(ctx, req.UserID, totalPremium); err != nil {
			metrics.TradesExecuted.WithLabelValues(string(req.Side), "rejected").Inc()
			return nil, err
		}
		if err := s.store.CreateContract(ctx, contract); err != nil {
			return nil, err
		}
		s.appendTxn(ctx, req.UserID, TxnOpenDebit, totalPremium.Neg(),
			fmt.Sprintf("buy %d %s %s %s", req.Quantity, req.Symbol, req.Type, contract.Strike))

	case Short:
		if !req.Secured {
			requirement := s.calc.Requirement(margin.PositionInput{
				Type: req.Type, Short: true,
				Strike: req.Strike, Spot: spot,
				Premium: premium, Quantity: req.Quantity,
			})
			pf, err := s.snapshotLocked(ctx, req.UserID)
			if err != nil {
				return nil, err
			}
			headroom := pf.Status.AvailableMargin.Sub(pf.Status.MarginUsed)
			if headroom.LessThan(requirement) {
				metrics.TradesExecuted.WithLabelValues(string(req.Side), "rejected").Inc()
				return nil, fmt.Errorf("%w: requires %s, available %s",
					ErrInsufficientMargin, requirement, headroom)
			}
			contract.MarginRequired = requirement
		}
		if err := s.store.CreateContract(ctx, contract); err != nil {
			return nil, err
		}
		// Premium is collected up front; expiration worthless keeps it.
		if err := s.store.Credit(ctx, req.UserID, totalPremium); err != nil {
			return nil, err
		}
		s.appendTxn(ctx, req.UserID, TxnOpenCredit, totalPremium,
			fmt.Sprintf("write %d %s %s %s", req.Quantity, req.Symbol, req.Type, contract.Strike))
		if contract.Unsecured() {
			s.appendTxn(ctx, req.UserID, TxnMarginReserved, contract.MarginRequired,
				fmt.Sprintf("margin reserved for %s", contract.ID))
		}
	}

	pf, err := s.snapshotLocked(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	metrics.TradesExecuted.WithLabelValues(string(req.Side), "ok").Inc()
	s.logger.Info("trade executed",
		zap.String("user", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.String("premium", totalPremium.String()))

	return &TradeResult{
		Contract:     *contract,
		Premium:      premium,
		TotalPremium: totalPremium,
		Status:       pf.Status,
	}, nil
}

func (s *Service) validateTrade(req TradeRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	if req.Type != pricing.Call && req.Type != pricing.Put {
		return fmt.Errorf("%w: unknown option type %q", ErrInvalidInput, req.Type)
	}
	if req.Side != Long && req.Side != Short {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidInput, req.Side)
	}
	if req.Strike <= 0 {
		return fmt.Errorf("%w: strike must be positive", ErrInvalidInput)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if !req.Expiration.After(s.clock.Now()) {
		return fmt.Errorf("%w: expiration must be in the future", ErrInvalidInput)
	}
	return nil
}

// CloseResult reports a voluntary or forced close.
type CloseResult struct {
	Contract   OptionContract  `json:"contract"`
	Mark       float64         `json:"mark"`
	RealizedPL decimal.Decimal `json:"realized_pl"`
}

// Close voluntarily closes an open position at the current mark, realizing
// P/L and releasing reserved margin.
func (s *Service) Close(ctx context.Context, userID string, positionID uuid.UUID) (*CloseResult, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()
	return s.closeLocked(ctx, userID, positionID, TxnCloseDebit, TxnCloseCredit)
}

func (s *Service) closeLocked(ctx context.Context, userID string, positionID uuid.UUID,
	debitKind, creditKind string) (*CloseResult, error) {

	contract, err := s.store.ContractByID(ctx, userID, positionID)
	if err != nil {
		return nil, err
	}
	if contract.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, positionID, contract.Status)
	}

	spot, err := s.provider.CurrentPrice(ctx, contract.Symbol)
	if err != nil {
		return nil, err
	}
	strike, _ := contract.Strike.Float64()
	in, _ := s.pricingInput(ctx, contract.Symbol, strike, contract.Expiration, spot)
	mark := pricing.Price(contract.Type, in)
	markValue := premiumCash(mark, contract.Quantity)

	entryValue := contract.EntryPremium.
		Mul(decimal.NewFromInt(margin.ContractSize)).
		Mul(decimal.NewFromInt(contract.Quantity)).Round(2)

	var realized decimal.Decimal
	if contract.Side == Long {
		realized = markValue.Sub(entryValue)
		if err := s.store.Credit(ctx, userID, markValue); err != nil {
			return nil, err
		}
		s.appendTxn(ctx, userID, creditKind, markValue,
			fmt.Sprintf("close %s", contract.ID))
	} else {
		realized = entryValue.Sub(markValue)
		// Buying back the short must not drive cash negative.
		if err := s.store.DebitIfSufficient(ctx, userID, markValue); err != nil {
			return nil, err
		}
		s.appendTxn(ctx, userID, debitKind, markValue.Neg(),
			fmt.Sprintf("close %s", contract.ID))
	}

	now := s.clock.Now()
	released := contract.MarginRequired
	contract.Status = StatusClosed
	contract.RealizedPL = realized
	contract.MarginRequired = decimal.Zero
	contract.ClosedAt = &now
	if err := s.store.UpdateContract(ctx, contract); err != nil {
		return nil, err
	}
	if released.IsPositive() {
		s.appendTxn(ctx, userID, TxnMarginReleased, released,
			fmt.Sprintf("margin released for %s", contract.ID))
	}

	s.logger.Info("position closed",
		zap.String("user", userID),
		zap.String("contract", contract.ID.String()),
		zap.String("realized_pl", realized.String()))

	return &CloseResult{Contract: *contract, Mark: mark, RealizedPL: realized}, nil
}

// Deposit credits external cash. Pending margin calls are resolved by the
// next sweep once equity recovers.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidInput)
	}
	unlock := s.locks.acquire(userID)
	defer unlock()

	if _, err := s.store.EnsureAccount(ctx, userID, s.cfg.InitialCash); err != nil {
		return err
	}
	if err := s.store.Credit(ctx, userID, amount); err != nil {
		return err
	}
	s.appendTxn(ctx, userID, TxnDeposit, amount, "deposit")
	return nil
}

// Portfolio returns the marked positions and derived margin status.
func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()
	return s.snapshotLocked(ctx, userID)
}

// MarginStatus recomputes the aggregate margin picture from the ledger and
// live prices. Never cached.
func (s *Service) MarginStatus(ctx context.Context, userID string) (*margin.Status, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()

	pf, err := s.snapshotLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &pf.Status, nil
}

// SettleOutcome describes what happened to a contract at expiration.
type SettleOutcome string

const (
	OutcomeExercised SettleOutcome = "exercised"
	OutcomeExpired   SettleOutcome = "expired"
	OutcomeSkipped   SettleOutcome = "skipped"
)

// Settle exercises or expires a contract at/after expiry. Idempotent: a
// contract that is no longer open is skipped. On partial failure the
// contract keeps its last-good state and the error wraps ErrSettlement so
// the next sweep retries it.
func (s *Service) Settle(ctx context.Context, userID string, positionID uuid.UUID) (SettleOutcome, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()

	contract, err := s.store.ContractByID(ctx, userID, positionID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if contract.Status != StatusOpen {
		return OutcomeSkipped, nil
	}
	if contract.Expiration.After(s.clock.Now()) {
		return OutcomeSkipped, nil
	}

	spot, err := s.provider.CurrentPrice(ctx, contract.Symbol)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %s: %v", ErrSettlement, contract.ID, err)
	}
	strike, _ := contract.Strike.Float64()
	intrinsic := pricing.Intrinsic(contract.Type, spot, strike)

	entryValue := contract.EntryPremium.
		Mul(decimal.NewFromInt(margin.ContractSize)).
		Mul(decimal.NewFromInt(contract.Quantity)).Round(2)
	now := s.clock.Now()
	released := contract.MarginRequired

	var cashDelta decimal.Decimal
	var cashNote string
	if intrinsic > 0 {
		settlement := premiumCash(intrinsic, contract.Quantity)
		if contract.Side == Long {
			cashDelta = settlement
			cashNote = fmt.Sprintf("exercise %s", contract.ID)
			contract.RealizedPL = settlement.Sub(entryValue)
		} else {
			// Assignment: the writer pays out the intrinsic value.
			cashDelta = settlement.Neg()
			cashNote = fmt.Sprintf("assignment %s", contract.ID)
			contract.RealizedPL = entryValue.Sub(settlement)
		}
		contract.Status = StatusExercised
	} else {
		// Worthless: longs lose the premium already paid, shorts keep it.
		if contract.Side == Long {
			contract.RealizedPL = entryValue.Neg()
		} else {
			contract.RealizedPL = entryValue
		}
		contract.Status = StatusExpired
	}

	contract.MarginRequired = decimal.Zero
	contract.ClosedAt = &now
	// Cash and contract state commit together; a retrying sweep sees
	// either the open contract or the fully settled one, never a half.
	if err := s.store.SettleContract(ctx, contract, cashDelta); err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: %s: %v", ErrSettlement, contract.ID, err)
	}
	if !cashDelta.IsZero() {
		s.appendTxn(ctx, userID, TxnSettlement, cashDelta, cashNote)
	}
	if released.IsPositive() {
		s.appendTxn(ctx, userID, TxnMarginReleased, released,
			fmt.Sprintf("margin released for %s", contract.ID))
	}

	outcome := OutcomeExpired
	if contract.Status == StatusExercised {
		outcome = OutcomeExercised
	}
	metrics.ContractsSettled.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// LiquidationReport summarizes a forced-liquidation pass.
type LiquidationReport struct {
	Closed []CloseResult `json:"closed"`
	Status margin.Status `json:"status"`
}

// LiquidateUntilHealthy force-closes unsecured shorts, largest live margin
// requirement first, until the equity ratio clears the liquidation
// threshold or no closable position remains. The margin status is
// re-derived under the user lock before every closure, so a stale trigger
// is harmless and the operation is idempotent.
func (s *Service) LiquidateUntilHealthy(ctx context.Context, userID string) (*LiquidationReport, error) {
	unlock := s.locks.acquire(userID)
	defer unlock()

	report := &LiquidationReport{}
	skipped := make(map[uuid.UUID]bool)
	threshold := s.calc.Thresholds().Liquidation

	for {
		pf, err := s.snapshotLocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		report.Status = pf.Status
		if pf.Status.EquityRatio >= threshold {
			return report, nil
		}

		target := s.largestUnsecuredShort(pf.Positions, skipped)
		if target == nil {
			s.logger.Warn("liquidation exhausted: no closable unsecured shorts remain",
				zap.String("user", userID),
				zap.Float64("equity_ratio", pf.Status.EquityRatio))
			return report, nil
		}

		res, err := s.closeLocked(ctx, userID, target.Contract.ID, TxnForcedClose, TxnForcedClose)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				// Cannot fund the buy-back; try the next position.
				skipped[target.Contract.ID] = true
				continue
			}
			return nil, err
		}
		metrics.ForcedLiquidations.Inc()
		s.logger.Warn("position force-liquidated",
			zap.String("user", userID),
			zap.String("contract", res.Contract.ID.String()),
			zap.String("realized_pl", res.RealizedPL.String()))
		report.Closed = append(report.Closed, *res)
	}
}

func (s *Service) largestUnsecuredShort(positions []Position, skipped map[uuid.UUID]bool) *Position {
	var candidates []Position
	for _, p := range positions {
		if p.Contract.Unsecured() && !skipped[p.Contract.ID] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Contract.MarginRequired.GreaterThan(candidates[j].Contract.MarginRequired)
	})
	return &candidates[0]
}

// snapshotLocked rebuilds the portfolio view from the ledger and live
// prices. Callers must hold the user lock.
func (s *Service) snapshotLocked(ctx context.Context, userID string) (*Portfolio, error) {
	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	contracts, err := s.store.OpenContractsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pf := &Portfolio{UserID: userID, Cash: acct.Cash}
	portfolioValue := acct.Cash
	marginUsed := decimal.Zero

	for i := range contracts {
		pos, err := s.markPosition(ctx, &contracts[i])
		if err != nil {
			return nil, err
		}
		if pos.Contract.Side == Long {
			portfolioValue = portfolioValue.Add(pos.MarketValue)
		} else {
			portfolioValue = portfolioValue.Sub(pos.MarketValue)
		}
		if pos.Contract.Unsecured() {
			marginUsed = marginUsed.Add(pos.Contract.MarginRequired)
		}
		pf.Positions = append(pf.Positions, *pos)
	}

	pf.Status = s.calc.Aggregate(portfolioValue, marginUsed)
	return pf, nil
}

// markPosition computes the derived mark-to-market view of one contract.
func (s *Service) markPosition(ctx context.Context, c *OptionContract) (*Position, error) {
	spot, err := s.provider.CurrentPrice(ctx, c.Symbol)
	if err != nil {
		return nil, err
	}
	strike, _ := c.Strike.Float64()
	in, ttl := s.pricingInput(ctx, c.Symbol, strike, c.Expiration, spot)
	quote := pricing.Compute(c.Type, in)

	markValue := premiumCash(quote.Price, c.Quantity)
	entryValue := c.EntryPremium.
		Mul(decimal.NewFromInt(margin.ContractSize)).
		Mul(decimal.NewFromInt(c.Quantity)).Round(2)

	var unrealized decimal.Decimal
	if c.Side == Long {
		unrealized = markValue.Sub(entryValue)
	} else {
		unrealized = entryValue.Sub(markValue)
	}

	var pctChange float64
	if entry, _ := c.EntryPremium.Float64(); entry > 0 {
		pctChange = (quote.Price - entry) / entry * 100
	}

	return &Position{
		Contract:      *c,
		Mark:          quote.Price,
		MarketValue:   markValue,
		UnrealizedPL:  unrealized,
		PercentChange: pctChange,
		Moneyness:     pricing.Classify(c.Type, spot, strike),
		TimeToExpiry:  ttl,
		Greeks:        quote.Greeks,
	}, nil
}

// pricingInput assembles the model inputs for a symbol/strike/expiry.
func (s *Service) pricingInput(ctx context.Context, symbol string, strike float64,
	expiration time.Time, spot float64) (pricing.Input, float64) {

	ttl := expiration.Sub(s.clock.Now()).Hours() / hoursPerYear
	horizonDays := int(ttl * 365)
	if horizonDays < 1 {
		horizonDays = 1
	}
	return pricing.Input{
		Spot:          spot,
		Strike:        strike,
		TimeToExpiry:  ttl,
		Rate:          s.estimator.RiskFreeRate(ctx, horizonDays),
		Volatility:    s.estimator.HistoricalVolatility(ctx, symbol, volLookbackDays),
		DividendYield: s.estimator.DividendYield(ctx, symbol),
	}, ttl
}

func (s *Service) appendTxn(ctx context.Context, userID, kind string, amount decimal.Decimal, note string) {
	txn := &Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Note:      note,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.AppendTransaction(ctx, txn); err != nil {
		// The audit trail must not block the money movement it records.
		s.logger.Error("failed to append transaction", zap.Error(err),
			zap.String("user", userID), zap.String("kind", kind))
	}
}

// premiumCash converts a per-share price into a cash amount for quantity
// contracts.
func premiumCash(perShare float64, quantity int64) decimal.Decimal {
	return decimal.NewFromFloat(perShare).
		Mul(decimal.NewFromInt(margin.ContractSize)).
		Mul(decimal.NewFromInt(quantity)).Round(2)
}
