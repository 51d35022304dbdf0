// Package settlement implements the release/refund confirmation
// protocol that gates every fund movement out of escrow.
//
// A settlement request carries an optional partial amount (defaulting
// to the full confirmed balance). Two confirmation modes exist: a
// full or seller-initiated release needs approval from both parties
// (the buyer is auto-approved when the seller initiates, since release
// benefits the buyer), and a partial release by an administrator needs
// only administrative confirmation. Once the required approvals are
// present the external transfer is invoked exactly once; only on
// confirmed success does the trade reach its terminal state. The
// channel stays untouched here: the pool timer recycles it once the
// grace window after completion has passed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otcbridge/otcbridge/internal/metrics"
	"github.com/otcbridge/otcbridge/internal/token"
	"github.com/otcbridge/otcbridge/internal/traces"
	"github.com/otcbridge/otcbridge/internal/trade"
)

var (
	// ErrAmountNotPositive means the requested amount is zero or negative.
	ErrAmountNotPositive = errors.New("settlement: amount must be strictly positive")
	// ErrAmountExceedsBalance means the requested amount is larger than
	// the confirmed deposit.
	ErrAmountExceedsBalance = errors.New("settlement: amount exceeds confirmed balance")
	// ErrAlreadyExecuted means the fund movement for this trade was
	// already invoked.
	ErrAlreadyExecuted = errors.New("settlement: transfer already executed for this trade")
	// ErrNotReviewable means the trade is not in a state that accepts
	// settlement actions.
	ErrNotReviewable = errors.New("settlement: trade is not under settlement review")
	// ErrInFlight means a concurrent confirmation for the same trade is
	// currently executing.
	ErrInFlight = errors.New("settlement: execution already in flight")
	// ErrMissingAddress means the payout or refund address needed for
	// the transfer was never recorded on the trade.
	ErrMissingAddress = errors.New("settlement: destination address not set on trade")
)

// Kind distinguishes the two fund-movement directions.
type Kind string

const (
	KindRelease Kind = "release" // pay the buyer
	KindRefund  Kind = "refund"  // return funds to the seller
)

// FundMover executes the external transfer. Implemented by the wallet.
type FundMover interface {
	Release(ctx context.Context, asset, network, toAddress, amount string) (txRef string, err error)
	Refund(ctx context.Context, asset, network, toAddress, amount string) (txRef string, err error)
}

// Notifier receives settlement event decisions.
type Notifier interface {
	TradeEvent(event string, t *trade.Trade)
}

// Request asks for a release or refund.
type Request struct {
	TradeID string `json:"tradeId"`
	Kind    Kind   `json:"kind"`
	// Amount is the decimal amount to move. Empty means the full
	// confirmed balance.
	Amount  string `json:"amount,omitempty"`
	ActorID string `json:"actorId"`
	IsAdmin bool   `json:"isAdmin"`
}

// Decision is the protocol's answer to a request or approval: either
// the transfer executed, or the listed approvals are still outstanding.
type Decision struct {
	Executed bool         `json:"executed"`
	TxRef    string       `json:"txRef,omitempty"`
	Awaiting []string     `json:"awaiting,omitempty"`
	Trade    *trade.Trade `json:"trade"`
}

// Service runs the confirmation protocol.
type Service struct {
	trades   *trade.Service
	funds    FundMover
	registry *token.Registry
	once     *OnceCache
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates the settlement service.
func NewService(trades *trade.Service, funds FundMover, registry *token.Registry, logger *slog.Logger) *Service {
	return &Service{
		trades:   trades,
		funds:    funds,
		registry: registry,
		once:     NewOnceCache(5 * time.Minute),
		logger:   logger,
	}
}

// WithNotifier adds an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Request opens a settlement review. The amount guards run before any
// approval is prompted; a request that fails them leaves the trade
// untouched in deposited.
func (s *Service) Request(ctx context.Context, req Request) (*Decision, error) {
	t, err := s.trades.Get(ctx, req.TradeID)
	if err != nil {
		return nil, err
	}
	if !req.IsAdmin && !t.IsParty(req.ActorID) {
		return nil, trade.ErrUnauthorized
	}
	if t.Status != trade.StatusDeposited {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, t.Status)
	}
	if req.Kind == KindRelease && (t.ReleaseUsed || t.RefundUsed) ||
		req.Kind == KindRefund && (t.RefundUsed || t.ReleaseUsed) {
		return nil, ErrAlreadyExecuted
	}

	amount := req.Amount
	if amount == "" {
		amount = t.DepositedAmount
	}
	if err := s.checkAmount(t, amount); err != nil {
		return nil, err
	}

	t, err = s.trades.BeginSettlement(ctx, t.ID, amount)
	if err != nil {
		return nil, err
	}

	t, err = s.recordApprovals(ctx, t, req)
	if err != nil {
		return nil, err
	}

	if missing := s.missingApprovals(t, req.Kind, req.IsAdmin); len(missing) > 0 {
		return &Decision{Awaiting: missing, Trade: t}, nil
	}
	return s.execute(ctx, t, req.Kind)
}

// Approve records one party's consent on a trade already under review
// and executes the transfer when the approval set becomes complete.
func (s *Service) Approve(ctx context.Context, tradeID string, kind Kind, actorID string, isAdmin bool) (*Decision, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !t.IsParty(actorID) {
		return nil, trade.ErrUnauthorized
	}
	if t.Status != trade.StatusInSettlementReview {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, t.Status)
	}

	t, err = s.trades.SetSettlementApproval(ctx, t.ID, func(a *trade.Approvals) {
		applyApproval(a, kind, t, actorID, isAdmin)
	})
	if err != nil {
		return nil, err
	}

	if missing := s.missingApprovals(t, kind, isAdmin); len(missing) > 0 {
		return &Decision{Awaiting: missing, Trade: t}, nil
	}
	return s.execute(ctx, t, kind)
}

// Withdraw cancels a pending settlement review, returning the trade to
// deposited and clearing the recorded approvals.
func (s *Service) Withdraw(ctx context.Context, tradeID, actorID string, isAdmin bool) (*trade.Trade, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !t.IsParty(actorID) {
		return nil, trade.ErrUnauthorized
	}
	return s.trades.AbortSettlement(ctx, tradeID)
}

// ResolveDispute is the administrative path out of the disputed
// side-state: the operator picks the direction and the transfer runs
// with administrative approval substituting for both parties.
func (s *Service) ResolveDispute(ctx context.Context, tradeID string, kind Kind) (*Decision, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != trade.StatusDisputed {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, t.Status)
	}
	if t.ReleaseUsed || t.RefundUsed {
		return nil, ErrAlreadyExecuted
	}
	if !t.HasDeposit() {
		return nil, fmt.Errorf("%w: no confirmed balance to move", ErrAmountNotPositive)
	}
	return s.execute(ctx, t, kind)
}

// checkAmount rejects non-positive or over-balance amounts in minor
// units at the token's precision.
func (s *Service) checkAmount(t *trade.Trade, amount string) error {
	tok, err := s.registry.Resolve(t.Asset, t.Network)
	if err != nil {
		return err
	}
	units, ok := token.Parse(amount, tok.Decimals)
	if !ok || units.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrAmountNotPositive, amount)
	}
	if units.Cmp(t.DepositedBig()) > 0 {
		return fmt.Errorf("%w: requested %s, confirmed %s", ErrAmountExceedsBalance, amount, t.DepositedAmount)
	}
	return nil
}

// recordApprovals writes the approvals implied by the request itself.
func (s *Service) recordApprovals(ctx context.Context, t *trade.Trade, req Request) (*trade.Trade, error) {
	return s.trades.SetSettlementApproval(ctx, t.ID, func(a *trade.Approvals) {
		applyApproval(a, req.Kind, t, req.ActorID, req.IsAdmin)
	})
}

// applyApproval flips the approval flags one actor's action implies.
// A seller initiating or approving a release auto-approves the buyer;
// an administrator substitutes for both parties.
func applyApproval(a *trade.Approvals, kind Kind, t *trade.Trade, actorID string, isAdmin bool) {
	switch kind {
	case KindRelease:
		if isAdmin {
			a.BuyerRelease = true
			a.SellerRelease = true
			return
		}
		if t.IsSeller(actorID) {
			a.SellerRelease = true
			a.BuyerRelease = true
		} else if t.IsBuyer(actorID) {
			a.BuyerRelease = true
		}
	case KindRefund:
		if isAdmin {
			a.BuyerRefund = true
			a.SellerRefund = true
			return
		}
		if t.IsBuyer(actorID) {
			a.BuyerRefund = true
		} else if t.IsSeller(actorID) {
			a.SellerRefund = true
		}
	}
}

// missingApprovals lists the approvals still outstanding for the mode.
// An administrative partial release requires none beyond the admin's
// own confirmation, which the request itself carries.
func (s *Service) missingApprovals(t *trade.Trade, kind Kind, isAdmin bool) []string {
	if isAdmin {
		return nil
	}
	var missing []string
	switch kind {
	case KindRelease:
		if !t.Approvals.BuyerRelease {
			missing = append(missing, "buyer_release")
		}
		if !t.Approvals.SellerRelease {
			missing = append(missing, "seller_release")
		}
	case KindRefund:
		if !t.Approvals.BuyerRefund {
			missing = append(missing, "buyer_refund")
		}
		if !t.Approvals.SellerRefund {
			missing = append(missing, "seller_refund")
		}
	}
	return missing
}

// execute invokes the external transfer exactly once and, on confirmed
// success, finalizes the trade. The terminal timestamp is what the pool
// timer later keys its grace-window recycling on. A failed external
// call leaves the trade in its pre-call state so the operation stays
// retryable.
func (s *Service) execute(ctx context.Context, t *trade.Trade, kind Kind) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.execute",
		traces.TradeID(t.ID), traces.Asset(t.Asset))
	defer span.End()

	if t.ReleaseUsed || t.RefundUsed {
		return nil, ErrAlreadyExecuted
	}

	guardKey := string(kind) + ":" + t.ID
	if !s.once.Begin(guardKey) {
		return nil, ErrInFlight
	}

	amount := t.DepositedAmount
	if t.PendingAmount != nil && *t.PendingAmount != "" {
		amount = *t.PendingAmount
	}

	var (
		dest     string
		terminal trade.Status
		txRef    string
		err      error
	)
	switch kind {
	case KindRelease:
		dest = t.BuyerPayoutAddr
		terminal = trade.StatusCompleted
	case KindRefund:
		dest = t.SellerRefundAddr
		terminal = trade.StatusRefunded
	default:
		s.once.Release(guardKey)
		return nil, fmt.Errorf("settlement: unknown kind %q", kind)
	}
	if dest == "" {
		s.once.Release(guardKey)
		return nil, fmt.Errorf("%w: %s", ErrMissingAddress, kind)
	}

	expect := t.Status

	if kind == KindRelease {
		txRef, err = s.funds.Release(ctx, t.Asset, t.Network, dest, amount)
	} else {
		txRef, err = s.funds.Refund(ctx, t.Asset, t.Network, dest, amount)
	}
	if err != nil {
		// The transfer did not happen; re-arm the guard so an operator
		// can retry.
		s.once.Release(guardKey)
		metrics.SettlementsExecutedTotal.WithLabelValues(string(kind) + "_failed").Inc()
		s.logger.Error("fund movement failed",
			"tradeId", t.ID, "kind", string(kind), "amount", amount, "error", err)
		return nil, fmt.Errorf("settlement %s for trade %s: %w", kind, t.ID, err)
	}

	updated, err := s.trades.Finalize(ctx, t.ID, terminal, expect)
	if err != nil {
		// Funds moved but the record did not advance. Keep the guard
		// held and surface loudly so an operator reconciles by hand.
		s.logger.Error("transfer executed but trade finalization failed",
			"tradeId", t.ID, "kind", string(kind), "txRef", txRef, "error", err)
		return nil, fmt.Errorf("finalize trade %s after %s (txRef %s): %w", t.ID, kind, txRef, err)
	}

	metrics.SettlementsExecutedTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("settlement executed",
		"tradeId", updated.ID, "kind", string(kind), "amount", amount, "txRef", txRef)

	if kind == KindRelease {
		s.emit("release_executed", updated)
	} else {
		s.emit("refund_executed", updated)
	}

	return &Decision{Executed: true, TxRef: txRef, Trade: updated}, nil
}

func (s *Service) emit(event string, t *trade.Trade) {
	if s.notifier != nil {
		s.notifier.TradeEvent(event, t)
	}
}
