// Package ledger owns the option position lifecycle and the cash/margin
// transfers attached to it: open, mark-to-market, voluntary close,
// exercise and expiration. Every mutation is guarded by a per-user lock
// and a check-then-act balance update; cash never goes negative.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papermarkets/riskengine/internal/margin"
	"github.com/papermarkets/riskengine/internal/pricing"
)

// Side is the direction of an option position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// ContractStatus is the lifecycle state of a contract. Mark-to-market is
// a derived view, not a persisted state.
type ContractStatus string

const (
	StatusOpen      ContractStatus = "open"
	StatusClosed    ContractStatus = "closed"
	StatusExercised ContractStatus = "exercised"
	StatusExpired   ContractStatus = "expired"
)

// Transaction kinds recorded in the audit trail.
const (
	TxnOpenDebit      = "open_debit"       // long premium paid
	TxnOpenCredit     = "open_credit"      // short premium collected
	TxnCloseCredit    = "close_credit"     // long close proceeds
	TxnCloseDebit     = "close_debit"      // short buy-back cost
	TxnSettlement     = "settlement"       // exercise cash settlement
	TxnForcedClose    = "forced_close"     // liquidation sweep closure
	TxnDeposit        = "deposit"          // external cash deposit
	TxnMarginReserved = "margin_reserved"  // informational, no cash moved
	TxnMarginReleased = "margin_released"  // informational, no cash moved
)

// Account is a user's durable cash balance.
type Account struct {
	UserID    string          `json:"user_id" gorm:"primaryKey"`
	Cash      decimal.Decimal `json:"cash" gorm:"type:numeric"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OptionContract is a durable option position, exclusively owned by the
// opening user. Pricing fields are per share; cash amounts are per share
// times ContractSize times Quantity.
type OptionContract struct {
	ID             uuid.UUID          `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         string             `json:"user_id" gorm:"index"`
	Symbol         string             `json:"symbol" gorm:"index"`
	Type           pricing.OptionType `json:"type"`
	Side           Side               `json:"side"`
	Strike         decimal.Decimal    `json:"strike" gorm:"type:numeric"`
	Expiration     time.Time          `json:"expiration" gorm:"index"`
	Quantity       int64              `json:"quantity"`
	EntryPremium   decimal.Decimal    `json:"entry_premium" gorm:"type:numeric"`
	Secured        bool               `json:"secured"` // covered call / cash-secured put
	MarginRequired decimal.Decimal    `json:"margin_required" gorm:"type:numeric"`
	Status         ContractStatus     `json:"status" gorm:"index"`
	RealizedPL     decimal.Decimal    `json:"realized_pl" gorm:"type:numeric"`
	OpenedAt       time.Time          `json:"opened_at"`
	ClosedAt       *time.Time         `json:"closed_at"`
}

// Unsecured reports whether the contract counts against margin.
func (c *OptionContract) Unsecured() bool {
	return c.Side == Short && !c.Secured
}

// Notional returns strike × contract size × quantity.
func (c *OptionContract) Notional() decimal.Decimal {
	return c.Strike.Mul(decimal.NewFromInt(margin.ContractSize)).Mul(decimal.NewFromInt(c.Quantity))
}

// MarginCall is a durable margin intervention record, retained permanently
// as history.
type MarginCall struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     string          `json:"user_id" gorm:"index"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Reason     string          `json:"reason"`
	Status     CallStatus      `json:"status" gorm:"index"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at"`
}

// CallStatus is the state of a margin call.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallSatisfied CallStatus = "satisfied"
)

// Transaction is one entry in the append-only cash audit trail.
type Transaction struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    string          `json:"user_id" gorm:"index"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Note      string          `json:"note"`
	CreatedAt time.Time       `json:"created_at"`
}

// Position is a contract with its derived mark-to-market view. Computed
// lazily on every read, never persisted.
type Position struct {
	Contract      OptionContract    `json:"contract"`
	Mark          float64           `json:"mark"` // current premium per share
	MarketValue   decimal.Decimal   `json:"market_value"`
	UnrealizedPL  decimal.Decimal   `json:"unrealized_pl"`
	PercentChange float64           `json:"percent_change"`
	Moneyness     pricing.Moneyness `json:"moneyness"`
	TimeToExpiry  float64           `json:"time_to_expiry"` // years
	Greeks        pricing.Greeks    `json:"greeks"`
}

// Portfolio is the position list plus the derived margin status.
type Portfolio struct {
	UserID    string          `json:"user_id"`
	Cash      decimal.Decimal `json:"cash"`
	Positions []Position      `json:"positions"`
	Status    margin.Status   `json:"margin_status"`
}
