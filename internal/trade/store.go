package trade

import (
	"context"
	"math/big"
)

// DepositAccept describes one verified transfer being folded into a trade.
// ThresholdUnits is the minor-unit amount at which the accumulated total
// is considered complete (expected quantity minus tolerance); the store
// decides the resulting status from it inside the same atomic update.
type DepositAccept struct {
	Ref            string
	Units          *big.Int
	ThresholdUnits *big.Int
	Decimals       int
}

// Store persists trade records.
//
// Mutations race: duplicate chat commands, retried webhooks, and the
// admin path can all touch the same trade concurrently. Every write is
// therefore conditional: UpdateIf re-checks the status the caller read,
// and AcceptDeposit folds a transfer in as one atomic operation backed
// by a global unique index on consumed references.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	GetByChannel(ctx context.Context, channelID string) (*Trade, error)

	// UpdateIf writes t's mutable fields only if the stored status still
	// equals expect. Returns ErrConflictingState when the precondition
	// fails and ErrTradeNotFound when the trade does not exist.
	UpdateIf(ctx context.Context, t *Trade, expect Status) error

	// AcceptDeposit atomically records a consumed reference and adds its
	// amount to the trade's accumulated deposit, moving the trade to
	// deposited when the new total reaches acc.ThresholdUnits. Returns
	// ErrDuplicateReference if the reference was ever consumed by any
	// trade, and ErrConflictingState if the trade is not awaiting a
	// deposit. The returned trade reflects the post-update record.
	AcceptDeposit(ctx context.Context, tradeID string, acc DepositAccept) (*Trade, error)

	// FindByConsumedRef returns the ID of the trade that consumed ref,
	// or "" if the reference is unused.
	FindByConsumedRef(ctx context.Context, ref string) (string, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Trade, error)
}
