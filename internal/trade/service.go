package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/otcbridge/otcbridge/internal/idgen"
	"github.com/otcbridge/otcbridge/internal/metrics"
)

// ChannelLeaser leases a private channel for a new trade. Implemented by
// the pool allocator; declared here so trade does not import pool.
type ChannelLeaser interface {
	Lease(ctx context.Context, tradeID string) (channelID string, err error)
}

// Notifier receives the decision to notify about a trade event. How the
// notification is rendered and delivered is the consumer's concern.
type Notifier interface {
	TradeEvent(event string, t *Trade)
}

// OpenRequest contains the parameters for opening a trade.
type OpenRequest struct {
	Initiator    Party  `json:"initiator" binding:"required"`
	Counterparty Party  `json:"counterparty" binding:"required"`
	Asset        string `json:"asset" binding:"required"`
	Network      string `json:"network" binding:"required"`
}

// Terms carries the deal parameters entered during awaiting_details.
type Terms struct {
	Quantity         string `json:"quantity"`
	Rate             string `json:"rate"`
	PaymentMethod    string `json:"paymentMethod"`
	BuyerPayoutAddr  string `json:"buyerPayoutAddr"`
	SellerRefundAddr string `json:"sellerRefundAddr"`
}

// Service implements the trade state machine. All mutations go through
// conditional store updates so concurrent triggers (duplicate commands,
// retried deliveries, admin and automatic paths) cannot clobber each
// other; a lost race surfaces as ErrConflictingState and the caller
// re-fetches and re-validates.
type Service struct {
	store    Store
	leaser   ChannelLeaser
	notifier Notifier
}

// NewService creates a new trade service.
func NewService(store Store, leaser ChannelLeaser) *Service {
	return &Service{store: store, leaser: leaser}
}

// WithNotifier adds an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Open pairs two counterparties, leases a channel from the pool, and
// creates the trade in draft. The initiator is provisionally the buyer
// until SelectRole confirms or swaps the orientation.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Trade, error) {
	if req.Initiator.ID == req.Counterparty.ID {
		return nil, fmt.Errorf("%w: counterparties must be distinct", ErrUnauthorized)
	}

	now := time.Now()
	t := &Trade{
		ID:              idgen.WithPrefix("trd_"),
		Status:          StatusDraft,
		Asset:           req.Asset,
		Network:         req.Network,
		Buyer:           req.Initiator,
		Seller:          req.Counterparty,
		DepositedAmount: "0",
		DepositedUnits:  "0",
		CreatedAt:       now,
		LastActivityAt:  now,
	}

	channelID, err := s.leaser.Lease(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.ChannelID = channelID

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade record: %w", err)
	}

	metrics.TradesOpenedTotal.Inc()
	s.emit("trade_opened", t)
	return t, nil
}

// SelectRole records the initiator's side of the deal. Choosing "sell"
// swaps the provisional buyer/seller orientation. Moves draft → awaiting_details.
func (s *Service) SelectRole(ctx context.Context, id, actorID, role string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusDraft {
		return nil, ErrInvalidTransition
	}

	switch role {
	case "buy", "sell":
	default:
		return nil, fmt.Errorf("%w: role must be buy or sell", ErrInvalidTransition)
	}

	if (role == "sell" && t.IsBuyer(actorID)) || (role == "buy" && t.IsSeller(actorID)) {
		t.Buyer, t.Seller = t.Seller, t.Buyer
	}

	now := time.Now()
	t.Status = StatusAwaitingDetails
	t.StartedAt = &now
	t.LastActivityAt = now

	if err := s.store.UpdateIf(ctx, t, StatusDraft); err != nil {
		return nil, err
	}
	return t, nil
}

// SetTerms records deal parameters. Term entry is a single-party step:
// whichever counterparty owns this part of the flow writes it without a
// counterpart gate; approval happens separately via ApproveTerms.
func (s *Service) SetTerms(ctx context.Context, id, actorID string, terms Terms) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusAwaitingDetails {
		return nil, ErrInvalidTransition
	}

	if terms.Quantity != "" {
		t.Quantity = terms.Quantity
	}
	if terms.Rate != "" {
		t.Rate = terms.Rate
	}
	if terms.PaymentMethod != "" {
		t.PaymentMethod = terms.PaymentMethod
	}
	if terms.BuyerPayoutAddr != "" {
		t.BuyerPayoutAddr = terms.BuyerPayoutAddr
	}
	if terms.SellerRefundAddr != "" {
		t.SellerRefundAddr = terms.SellerRefundAddr
	}

	// Entering new terms invalidates any prior approvals.
	t.Approvals.BuyerTerms = false
	t.Approvals.SellerTerms = false
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, StatusAwaitingDetails); err != nil {
		return nil, err
	}
	return t, nil
}

// ApproveTerms records one party's approval of the deal summary. When
// both parties have approved, the terms are finalized and the trade
// moves to awaiting_deposit.
func (s *Service) ApproveTerms(ctx context.Context, id, actorID string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusAwaitingDetails {
		return nil, ErrInvalidTransition
	}
	if t.Quantity == "" || t.BuyerPayoutAddr == "" {
		return nil, fmt.Errorf("%w: quantity and buyer payout address must be set first", ErrInvalidTransition)
	}

	if t.IsBuyer(actorID) {
		t.Approvals.BuyerTerms = true
	} else {
		t.Approvals.SellerTerms = true
	}
	t.LastActivityAt = time.Now()

	if t.Approvals.BuyerTerms && t.Approvals.SellerTerms {
		t.TermsFinalized = true
		t.Status = StatusAwaitingDeposit
	}

	if err := s.store.UpdateIf(ctx, t, StatusAwaitingDetails); err != nil {
		return nil, err
	}
	if t.Status == StatusAwaitingDeposit {
		s.emit("terms_finalized", t)
	}
	return t, nil
}

// Reset clears all step-scoped fields and returns the trade to draft,
// re-requesting role selection. Permitted only while no deposit has been
// recorded, and (unless administrative) only before the deal summary was
// finalized.
func (s *Service) Reset(ctx context.Context, id, actorID string, isAdmin bool) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if t.Status.Terminal() {
		return nil, ErrTerminal
	}
	if t.HasDeposit() {
		return nil, fmt.Errorf("%w: deposit already recorded", ErrResetNotAllowed)
	}
	if t.TermsFinalized && !isAdmin {
		return nil, fmt.Errorf("%w: terms already finalized", ErrResetNotAllowed)
	}

	prev := t.Status
	t.Status = StatusDraft
	t.Quantity = ""
	t.Rate = ""
	t.PaymentMethod = ""
	t.BuyerPayoutAddr = ""
	t.SellerRefundAddr = ""
	t.Approvals = Approvals{}
	t.TermsFinalized = false
	t.PendingAmount = nil
	t.StartedAt = nil
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, prev); err != nil {
		return nil, err
	}
	return t, nil
}

// Dispute parks the trade in the disputed side-state. Reachable from any
// non-terminal state; resolution is administrative.
func (s *Service) Dispute(ctx context.Context, id, actorID string, isAdmin bool) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !t.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if t.Status.Terminal() {
		return nil, ErrTerminal
	}
	if t.Status == StatusDisputed {
		return t, nil // already disputed, idempotent
	}

	prev := t.Status
	t.PriorStatus = prev
	t.Status = StatusDisputed
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, prev); err != nil {
		return nil, err
	}
	metrics.TradesDisputedTotal.Inc()
	s.emit("dispute_opened", t)
	return t, nil
}

// BeginSettlement moves deposited → in_settlement_review, recording the
// pending amount. Called by the confirmation protocol.
func (s *Service) BeginSettlement(ctx context.Context, id string, pendingAmount string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDeposited {
		return nil, ErrInvalidTransition
	}

	t.Status = StatusInSettlementReview
	t.PendingAmount = &pendingAmount
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, StatusDeposited); err != nil {
		return nil, err
	}
	return t, nil
}

// AbortSettlement returns in_settlement_review → deposited, clearing the
// pending amount. Used when a settlement request is withdrawn.
func (s *Service) AbortSettlement(ctx context.Context, id string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusInSettlementReview {
		return nil, ErrInvalidTransition
	}

	t.Status = StatusDeposited
	t.PendingAmount = nil
	t.Approvals.BuyerRelease = false
	t.Approvals.SellerRelease = false
	t.Approvals.BuyerRefund = false
	t.Approvals.SellerRefund = false
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, StatusInSettlementReview); err != nil {
		return nil, err
	}
	return t, nil
}

// Finalize moves the trade to a terminal state. The expect parameter is
// the status the caller last observed; the store re-validates it so a
// stale caller cannot force the transition.
func (s *Service) Finalize(ctx context.Context, id string, to, expect Status) (*Trade, error) {
	if !to.Terminal() {
		return nil, ErrInvalidTransition
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != expect {
		return nil, ErrConflictingState
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	t.Status = to
	t.CompletedAt = &now
	t.LastActivityAt = now
	if to == StatusCompleted {
		t.ReleaseUsed = true
	} else {
		t.RefundUsed = true
	}

	if err := s.store.UpdateIf(ctx, t, expect); err != nil {
		return nil, err
	}

	if to == StatusCompleted {
		metrics.TradesCompletedTotal.Inc()
	} else {
		metrics.TradesRefundedTotal.Inc()
	}
	if t.StartedAt != nil {
		metrics.TradeDuration.Observe(now.Sub(*t.StartedAt).Seconds())
	}
	return t, nil
}

// SetSettlementApproval records one approval flag and persists it under
// the current status precondition.
func (s *Service) SetSettlementApproval(ctx context.Context, id string, set func(*Approvals)) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, ErrTerminal
	}

	prev := t.Status
	set(&t.Approvals)
	t.LastActivityAt = time.Now()

	if err := s.store.UpdateIf(ctx, t, prev); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// GetByChannel returns the active trade occupying a channel.
func (s *Service) GetByChannel(ctx context.Context, channelID string) (*Trade, error) {
	return s.store.GetByChannel(ctx, channelID)
}

// ListByStatus returns trades in a given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// IsSettled reports whether the trade reached a terminal state, and when.
// Used by the pool recycler to decide when the grace window has passed.
func (s *Service) IsSettled(ctx context.Context, id string) (bool, time.Time, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, time.Time{}, err
	}
	if !t.Status.Terminal() {
		return false, time.Time{}, nil
	}
	completed := t.LastActivityAt
	if t.CompletedAt != nil {
		completed = *t.CompletedAt
	}
	return true, completed, nil
}

func (s *Service) emit(event string, t *Trade) {
	if s.notifier != nil {
		s.notifier.TradeEvent(event, t)
	}
}
