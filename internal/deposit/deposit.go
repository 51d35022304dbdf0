// Package deposit implements the reconciliation engine that matches
// on-chain transfers to a trade's expected deposit.
//
// A submitted transaction reference is validated, globally
// duplicate-checked, fetched through the rate-limited chain client, and
// decoded for ERC-20 transfers into the custodial deposit address.
// Confirmed amounts accumulate on the trade until the expected quantity
// is met within tolerance; partial transfers are legal and each one is
// individually duplicate-checked and summed.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/otcbridge/otcbridge/internal/chainclient"
	"github.com/otcbridge/otcbridge/internal/metrics"
	"github.com/otcbridge/otcbridge/internal/token"
	"github.com/otcbridge/otcbridge/internal/traces"
	"github.com/otcbridge/otcbridge/internal/trade"
	"github.com/otcbridge/otcbridge/internal/validation"
)

var (
	// ErrInvalidReference means the reference fails syntactic validation
	// for the asset's network. Permanent, reported immediately.
	ErrInvalidReference = errors.New("deposit: malformed transaction reference")
	// ErrNoTransfer means the transaction exists but moves no value to
	// the trade's deposit address. Permanent rejection.
	ErrNoTransfer = errors.New("deposit: no matching transfer found in transaction")
	// ErrNotAwaitingDeposit means the trade is not in a state that can
	// accept deposits.
	ErrNotAwaitingDeposit = errors.New("deposit: trade is not awaiting a deposit")
)

// ERC-20 Transfer event signature: Transfer(address,address,uint256).
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Outcome of one deposit submission.
type Outcome string

const (
	OutcomePartial  Outcome = "partial"  // accumulated < expected, remainder outstanding
	OutcomeComplete Outcome = "complete" // expected met within tolerance, trade deposited
)

// Result reports what a submission did to the trade. The caller (the
// chat layer) decides how to render it; over-delivery is reported, never
// rejected.
type Result struct {
	Outcome      Outcome      `json:"outcome"`
	Transferred  string       `json:"transferred"`            // this submission, decimal
	Accumulated  string       `json:"accumulated"`            // trade total, decimal
	Remainder    string       `json:"remainder,omitempty"`    // expected - accumulated when partial
	OverDelivery string       `json:"overDelivery,omitempty"` // accumulated - expected when over
	Trade        *trade.Trade `json:"trade"`
}

// ChainReader is the slice of the chain client the engine uses.
type ChainReader interface {
	GetTransaction(ctx context.Context, ref string) (*types.Transaction, error)
	GetReceipt(ctx context.Context, ref string) (*types.Receipt, error)
}

// Notifier receives deposit event decisions.
type Notifier interface {
	TradeEvent(event string, t *trade.Trade)
}

// Config for the reconciliation engine.
type Config struct {
	// DepositAddress is the custodial address trades pay into, keyed by
	// network. Networks absent from the map fall back to Default.
	DepositAddresses map[string]string
	Default          string
	// Tolerance is the absolute decimal amount by which an accumulated
	// deposit may fall short of the expected quantity and still count
	// as complete (e.g. "0.01").
	Tolerance string
}

// Engine verifies submitted references and folds confirmed transfers
// into trades.
type Engine struct {
	trades   trade.Store
	chain    ChainReader
	registry *token.Registry
	cfg      Config
	notifier Notifier
}

// NewEngine creates a reconciliation engine.
func NewEngine(trades trade.Store, chain ChainReader, registry *token.Registry, cfg Config) *Engine {
	if cfg.Tolerance == "" {
		cfg.Tolerance = "0.01"
	}
	return &Engine{trades: trades, chain: chain, registry: registry, cfg: cfg}
}

// WithNotifier adds an event notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// Submit processes one externally supplied transaction reference
// believed to pay into the trade's deposit address.
//
// Error taxonomy: ErrInvalidReference and ErrNoTransfer are permanent;
// trade.ErrDuplicateReference is a permanent rejection of this
// reference; chainclient.ErrNotYetAvailable means "try again later" and
// is not a failure. The engine never blocks waiting for confirmations;
// it returns immediately and the caller decides when to resubmit.
func (e *Engine) Submit(ctx context.Context, tradeID, ref string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "deposit.Submit",
		traces.TradeID(tradeID), traces.Reference(ref))
	defer span.End()

	ref = strings.TrimSpace(ref)
	if !validation.IsValidTxReference(ref) {
		metrics.DepositsRejectedTotal.WithLabelValues("invalid_reference").Inc()
		return nil, ErrInvalidReference
	}

	// Cheap pre-check; the unique index inside AcceptDeposit is the
	// authoritative gate under races.
	if takenBy, err := e.trades.FindByConsumedRef(ctx, ref); err != nil {
		return nil, err
	} else if takenBy != "" {
		metrics.DepositsRejectedTotal.WithLabelValues("duplicate").Inc()
		return nil, trade.ErrDuplicateReference
	}

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != trade.StatusAwaitingDeposit {
		return nil, fmt.Errorf("%w: status %s", ErrNotAwaitingDeposit, t.Status)
	}

	tok, err := e.registry.Resolve(t.Asset, t.Network)
	if err != nil {
		return nil, err
	}
	expected, ok := token.Parse(t.Quantity, tok.Decimals)
	if !ok || expected.Sign() <= 0 {
		return nil, fmt.Errorf("trade %s has no valid expected quantity", t.ID)
	}

	// Both the transaction and its finalized receipt must exist; either
	// missing is a retryable "not yet confirmed", not a failure.
	if _, err := e.chain.GetTransaction(ctx, ref); err != nil {
		return nil, err
	}
	receipt, err := e.chain.GetReceipt(ctx, ref)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.DepositsRejectedTotal.WithLabelValues("reverted").Inc()
		return nil, fmt.Errorf("%w: transaction reverted", ErrNoTransfer)
	}

	units := e.extractTransfer(receipt, tok, e.depositAddress(t.Network))
	if units.Sign() == 0 {
		metrics.DepositsRejectedTotal.WithLabelValues("no_transfer").Inc()
		return nil, ErrNoTransfer
	}

	tolUnits, ok := token.Parse(e.cfg.Tolerance, tok.Decimals)
	if !ok {
		tolUnits = big.NewInt(0)
	}
	threshold := new(big.Int).Sub(expected, tolUnits)

	// Single conditional update: append the reference and add the
	// amount. Two workers processing two references concurrently cannot
	// double-accumulate, and a raced duplicate lands on the unique index.
	updated, err := e.trades.AcceptDeposit(ctx, t.ID, trade.DepositAccept{
		Ref:            ref,
		Units:          units,
		ThresholdUnits: threshold,
		Decimals:       tok.Decimals,
	})
	if err != nil {
		if errors.Is(err, trade.ErrDuplicateReference) {
			metrics.DepositsRejectedTotal.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}

	res := &Result{
		Transferred: token.Format(units, tok.Decimals),
		Accumulated: updated.DepositedAmount,
		Trade:       updated,
	}

	total := updated.DepositedBig()
	if updated.Status == trade.StatusDeposited {
		res.Outcome = OutcomeComplete
		if over := new(big.Int).Sub(total, expected); over.Sign() > 0 {
			res.OverDelivery = token.Format(over, tok.Decimals)
		}
		metrics.DepositsAcceptedTotal.WithLabelValues("complete").Inc()
		e.emit("deposit_complete", updated)
	} else {
		res.Outcome = OutcomePartial
		res.Remainder = token.Format(new(big.Int).Sub(expected, total), tok.Decimals)
		metrics.DepositsAcceptedTotal.WithLabelValues("partial").Inc()
		e.emit("deposit_partial", updated)
	}
	return res, nil
}

// extractTransfer sums all Transfer events in the receipt that move the
// configured token to the deposit address.
func (e *Engine) extractTransfer(receipt *types.Receipt, tok token.Token, depositAddr common.Address) *big.Int {
	contract := common.HexToAddress(tok.Contract)
	total := new(big.Int)

	for _, lg := range receipt.Logs {
		if lg.Address != contract {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		to := common.HexToAddress(lg.Topics[2].Hex())
		if to != depositAddr {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}

func (e *Engine) depositAddress(network string) common.Address {
	if addr, ok := e.cfg.DepositAddresses[strings.ToLower(network)]; ok {
		return common.HexToAddress(addr)
	}
	return common.HexToAddress(e.cfg.Default)
}

func (e *Engine) emit(event string, t *trade.Trade) {
	if e.notifier != nil {
		e.notifier.TradeEvent(event, t)
	}
}

// Retryable reports whether an error from Submit means the caller
// should try the same reference again later.
func Retryable(err error) bool {
	return errors.Is(err, chainclient.ErrNotYetAvailable)
}
