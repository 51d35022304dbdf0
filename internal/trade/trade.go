// Package trade holds the canonical escrow trade record and its state machine.
//
// Lifecycle:
//  1. Two counterparties are paired and a channel is leased → draft
//  2. Roles confirmed → awaiting_details
//  3. Terms entered and approved by both parties → awaiting_deposit
//  4. Reconciliation engine confirms sufficient funds → deposited
//  5. Release/refund requested → in_settlement_review
//  6. Confirmation protocol executes the transfer → completed or refunded
//
// disputed is reachable from any non-terminal state and resolves to
// completed or refunded through an administrative decision.
package trade

import (
	"errors"
	"math/big"
	"time"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrConflictingState   = errors.New("trade was modified concurrently, re-fetch and retry")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTerminal           = errors.New("trade is in a terminal state")
	ErrUnauthorized       = errors.New("actor not authorized for this trade operation")
	ErrDuplicateReference = errors.New("transaction reference already consumed")
	ErrResetNotAllowed    = errors.New("trade can no longer be reset")
)

// Status represents the state of a trade.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusAwaitingDetails    Status = "awaiting_details"
	StatusAwaitingDeposit    Status = "awaiting_deposit"
	StatusDeposited          Status = "deposited"
	StatusInSettlementReview Status = "in_settlement_review"
	StatusCompleted          Status = "completed"
	StatusRefunded           Status = "refunded"
	StatusDisputed           Status = "disputed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Party identifies one counterparty.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Approvals tracks per-party consent for terms, release, and refund.
type Approvals struct {
	BuyerTerms    bool `json:"buyerTerms"`
	SellerTerms   bool `json:"sellerTerms"`
	BuyerRelease  bool `json:"buyerRelease"`
	SellerRelease bool `json:"sellerRelease"`
	BuyerRefund   bool `json:"buyerRefund"`
	SellerRefund  bool `json:"sellerRefund"`
}

// Trade is the escrow record for one peer-to-peer deal.
//
// DepositedUnits is the accumulated deposit in token minor units, stored
// as a decimal integer string so accumulation stays exact. DepositedAmount
// is the same value formatted at the token's precision for display.
type Trade struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId,omitempty"`
	Status    Status `json:"status"`

	Asset         string `json:"asset"`
	Network       string `json:"network"`
	Quantity      string `json:"quantity,omitempty"` // expected deposit, decimal
	Rate          string `json:"rate,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`

	Buyer            Party  `json:"buyer"`
	Seller           Party  `json:"seller"`
	BuyerPayoutAddr  string `json:"buyerPayoutAddr,omitempty"`
	SellerRefundAddr string `json:"sellerRefundAddr,omitempty"`

	Approvals      Approvals `json:"approvals"`
	TermsFinalized bool      `json:"termsFinalized"`

	DepositedAmount string   `json:"depositedAmount"`        // decimal, display form
	DepositedUnits  string   `json:"depositedUnits"`         // minor units, exact
	ConsumedRefs    []string `json:"consumedRefs,omitempty"` // primary + partial tx refs, globally unique
	PendingAmount   *string  `json:"pendingAmount,omitempty"`

	// One-shot flags: the external transfer for this trade has been invoked.
	ReleaseUsed bool `json:"releaseUsed"`
	RefundUsed  bool `json:"refundUsed"`

	// PriorStatus records where a dispute was raised from, for audit.
	PriorStatus Status `json:"priorStatus,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// IsBuyer reports whether actorID is the trade's buyer.
func (t *Trade) IsBuyer(actorID string) bool { return actorID != "" && actorID == t.Buyer.ID }

// IsSeller reports whether actorID is the trade's seller.
func (t *Trade) IsSeller(actorID string) bool { return actorID != "" && actorID == t.Seller.ID }

// IsParty reports whether actorID is either counterparty.
func (t *Trade) IsParty(actorID string) bool { return t.IsBuyer(actorID) || t.IsSeller(actorID) }

// DepositedBig returns the accumulated deposit in minor units.
func (t *Trade) DepositedBig() *big.Int {
	if t.DepositedUnits == "" {
		return big.NewInt(0)
	}
	v, ok := new(big.Int).SetString(t.DepositedUnits, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// HasDeposit reports whether any deposit has been accepted.
func (t *Trade) HasDeposit() bool {
	return t.DepositedBig().Sign() > 0
}

// allowedTransitions describes the forward edges of the state machine.
// disputed is handled separately: reachable from any non-terminal state.
var allowedTransitions = map[Status][]Status{
	StatusDraft:              {StatusAwaitingDetails},
	StatusAwaitingDetails:    {StatusAwaitingDeposit, StatusDraft},
	StatusAwaitingDeposit:    {StatusDeposited, StatusDraft},
	StatusDeposited:          {StatusInSettlementReview, StatusCompleted, StatusRefunded},
	StatusInSettlementReview: {StatusCompleted, StatusRefunded, StatusDeposited},
	StatusDisputed:           {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusDisputed {
		return !from.Terminal()
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
