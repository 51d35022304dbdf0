package deposit

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcbridge/otcbridge/internal/chainclient"
	"github.com/otcbridge/otcbridge/internal/token"
	"github.com/otcbridge/otcbridge/internal/trade"
)

const (
	usdcContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	depositAddr  = "0x1111111111111111111111111111111111111111"
	otherAddr    = "0x9999999999999999999999999999999999999999"
)

func ref(n byte) string {
	h := common.Hash{}
	h[31] = n
	return h.Hex()
}

// fakeChain serves canned receipts keyed by reference.
type fakeChain struct {
	receipts map[string]*types.Receipt
}

func (f *fakeChain) GetTransaction(ctx context.Context, r string) (*types.Transaction, error) {
	if _, ok := f.receipts[r]; !ok {
		return nil, chainclient.ErrNotYetAvailable
	}
	return types.NewTransaction(0, common.HexToAddress(usdcContract), big.NewInt(0), 60000, big.NewInt(1), nil), nil
}

func (f *fakeChain) GetReceipt(ctx context.Context, r string) (*types.Receipt, error) {
	receipt, ok := f.receipts[r]
	if !ok {
		return nil, chainclient.ErrNotYetAvailable
	}
	return receipt, nil
}

// addrTopic encodes an address the way it appears in an indexed log
// topic, left-padded to 32 bytes.
func addrTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

// transferReceipt builds a successful receipt carrying one ERC-20
// Transfer of amount minor units from contract to the given address.
func transferReceipt(contract, to string, amount *big.Int) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: common.HexToAddress(contract),
			Topics: []common.Hash{
				transferEventSig,
				addrTopic(otherAddr),
				addrTopic(to),
			},
			Data: common.LeftPadBytes(amount.Bytes(), 32),
		}},
	}
}

func testRegistry() *token.Registry {
	return token.NewRegistry([]token.Token{
		{Symbol: "USDC", Network: "base", Contract: usdcContract, Decimals: 6},
	})
}

func newTestEngine(chain ChainReader) (*Engine, trade.Store) {
	store := trade.NewMemoryStore()
	engine := NewEngine(store, chain, testRegistry(), Config{
		Default:   depositAddr,
		Tolerance: "0.01",
	})
	return engine, store
}

func awaitingDepositTrade(t *testing.T, store trade.Store, id string) *trade.Trade {
	t.Helper()
	tr := &trade.Trade{
		ID:              id,
		Status:          trade.StatusAwaitingDeposit,
		Asset:           "USDC",
		Network:         "base",
		Quantity:        "100.00",
		Buyer:           trade.Party{ID: "alice"},
		Seller:          trade.Party{ID: "bob"},
		DepositedAmount: "0",
		DepositedUnits:  "0",
	}
	require.NoError(t, store.Create(context.Background(), tr))
	return tr
}

func TestSubmit_InvalidReference(t *testing.T) {
	engine, store := newTestEngine(&fakeChain{receipts: map[string]*types.Receipt{}})
	awaitingDepositTrade(t, store, "trd_1")

	for _, bad := range []string{"", "garbage", "0x1234", ref(1) + "ff"} {
		_, err := engine.Submit(context.Background(), "trd_1", bad)
		assert.ErrorIs(t, err, ErrInvalidReference, "ref %q", bad)
	}
}

func TestSubmit_NotYetConfirmed(t *testing.T) {
	engine, store := newTestEngine(&fakeChain{receipts: map[string]*types.Receipt{}})
	awaitingDepositTrade(t, store, "trd_1")

	_, err := engine.Submit(context.Background(), "trd_1", ref(1))
	assert.ErrorIs(t, err, chainclient.ErrNotYetAvailable)
	assert.True(t, Retryable(err))
}

func TestSubmit_CompleteDeposit(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(100_000_000)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	res, err := engine.Submit(context.Background(), "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "100.000000", res.Transferred)
	assert.Equal(t, "100.000000", res.Accumulated)
	assert.Empty(t, res.Remainder)
	assert.Empty(t, res.OverDelivery)
	assert.Equal(t, trade.StatusDeposited, res.Trade.Status)
}

func TestSubmit_PartialThenComplete(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(40_000_000)),
		ref(2): transferReceipt(usdcContract, depositAddr, big.NewInt(60_000_000)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")
	ctx := context.Background()

	res, err := engine.Submit(ctx, "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, "40.000000", res.Transferred)
	assert.Equal(t, "40.000000", res.Accumulated)
	assert.Equal(t, "60.000000", res.Remainder)
	assert.Equal(t, trade.StatusAwaitingDeposit, res.Trade.Status)

	res, err = engine.Submit(ctx, "trd_1", ref(2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "100.000000", res.Accumulated)
	assert.Equal(t, trade.StatusDeposited, res.Trade.Status)
}

func TestSubmit_WithinTolerance(t *testing.T) {
	// 99.99 of 100.00 with 0.01 tolerance counts complete.
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(99_990_000)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	res, err := engine.Submit(context.Background(), "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
}

func TestSubmit_JustBelowTolerance(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(99_989_999)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	res, err := engine.Submit(context.Background(), "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, "0.010001", res.Remainder)
}

func TestSubmit_OverDelivery(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(120_000_000)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	res, err := engine.Submit(context.Background(), "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "20.000000", res.OverDelivery)
}

func TestSubmit_DuplicateReference(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(40_000_000)),
	}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")
	awaitingDepositTrade(t, store, "trd_2")
	ctx := context.Background()

	_, err := engine.Submit(ctx, "trd_1", ref(1))
	require.NoError(t, err)

	// Same reference on the same trade and on another trade.
	_, err = engine.Submit(ctx, "trd_1", ref(1))
	assert.ErrorIs(t, err, trade.ErrDuplicateReference)
	_, err = engine.Submit(ctx, "trd_2", ref(1))
	assert.ErrorIs(t, err, trade.ErrDuplicateReference)
}

func TestSubmit_RevertedTransaction(t *testing.T) {
	receipt := transferReceipt(usdcContract, depositAddr, big.NewInt(100_000_000))
	receipt.Status = types.ReceiptStatusFailed
	chain := &fakeChain{receipts: map[string]*types.Receipt{ref(1): receipt}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	_, err := engine.Submit(context.Background(), "trd_1", ref(1))
	assert.ErrorIs(t, err, ErrNoTransfer)
}

func TestSubmit_NoMatchingTransfer(t *testing.T) {
	engine, store := newTestEngine(&fakeChain{receipts: map[string]*types.Receipt{
		// Right token, wrong destination.
		ref(1): transferReceipt(usdcContract, otherAddr, big.NewInt(100_000_000)),
		// Right destination, wrong token contract.
		ref(2): transferReceipt(otherAddr, depositAddr, big.NewInt(100_000_000)),
	}})
	awaitingDepositTrade(t, store, "trd_1")
	ctx := context.Background()

	_, err := engine.Submit(ctx, "trd_1", ref(1))
	assert.ErrorIs(t, err, ErrNoTransfer)
	_, err = engine.Submit(ctx, "trd_1", ref(2))
	assert.ErrorIs(t, err, ErrNoTransfer)
}

func TestSubmit_SumsMultipleTransferLogs(t *testing.T) {
	// One transaction carrying two transfers to the deposit address.
	receipt := transferReceipt(usdcContract, depositAddr, big.NewInt(60_000_000))
	second := transferReceipt(usdcContract, depositAddr, big.NewInt(40_000_000))
	receipt.Logs = append(receipt.Logs, second.Logs...)
	chain := &fakeChain{receipts: map[string]*types.Receipt{ref(1): receipt}}
	engine, store := newTestEngine(chain)
	awaitingDepositTrade(t, store, "trd_1")

	res, err := engine.Submit(context.Background(), "trd_1", ref(1))
	require.NoError(t, err)
	assert.Equal(t, "100.000000", res.Transferred)
	assert.Equal(t, OutcomeComplete, res.Outcome)
}

func TestSubmit_WrongTradeState(t *testing.T) {
	chain := &fakeChain{receipts: map[string]*types.Receipt{
		ref(1): transferReceipt(usdcContract, depositAddr, big.NewInt(100_000_000)),
	}}
	engine, store := newTestEngine(chain)
	tr := awaitingDepositTrade(t, store, "trd_1")
	tr.Status = trade.StatusDeposited
	require.NoError(t, store.UpdateIf(context.Background(), tr, trade.StatusAwaitingDeposit))

	_, err := engine.Submit(context.Background(), "trd_1", ref(1))
	assert.ErrorIs(t, err, ErrNotAwaitingDeposit)
}

func TestSubmit_TradeNotFound(t *testing.T) {
	engine, _ := newTestEngine(&fakeChain{receipts: map[string]*types.Receipt{}})
	_, err := engine.Submit(context.Background(), "trd_missing", ref(1))
	assert.ErrorIs(t, err, trade.ErrTradeNotFound)
}

func TestDepositAddressPerNetwork(t *testing.T) {
	engine := NewEngine(trade.NewMemoryStore(), &fakeChain{}, testRegistry(), Config{
		DepositAddresses: map[string]string{"base": depositAddr},
		Default:          otherAddr,
	})
	assert.Equal(t, common.HexToAddress(depositAddr), engine.depositAddress("base"))
	assert.Equal(t, common.HexToAddress(depositAddr), engine.depositAddress("Base"))
	assert.Equal(t, common.HexToAddress(otherAddr), engine.depositAddress("arbitrum"))
}
