// Package wallet executes outbound ERC-20 transfers from the custodial
// escrow address. It is the fund-movement backend behind the settlement
// protocol: Release pays the buyer, Refund returns funds to the seller,
// and both wait for on-chain confirmation before reporting success.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/otcbridge/otcbridge/internal/token"
)

var (
	ErrInvalidPrivateKey   = errors.New("wallet: invalid private key")
	ErrInvalidAddress      = errors.New("wallet: invalid address")
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInsufficientBalance = errors.New("wallet: insufficient custodial balance")
	ErrTransactionFailed   = errors.New("wallet: transaction reverted")
	ErrTimeout             = errors.New("wallet: confirmation timed out")
	ErrRPCConnection       = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with operation context.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config for creating the custodial wallet.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
	// ConfirmationTimeout bounds how long Release/Refund wait for the
	// transfer to be mined. Zero means DefaultConfirmationTimeout.
	ConfirmationTimeout time.Duration
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(w *Wallet) { w.client = client }
}

// Wallet signs and sends ERC-20 transfers from the custodial address.
type Wallet struct {
	client      EthClient
	registry    *token.Registry
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	chainID     *big.Int
	erc20       abi.ABI
	confirmWait time.Duration
}

// New creates the custodial wallet.
func New(cfg Config, registry *token.Registry, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	confirmWait := cfg.ConfirmationTimeout
	if confirmWait <= 0 {
		confirmWait = DefaultConfirmationTimeout
	}

	w := &Wallet{
		registry:    registry,
		privateKey:  privateKey,
		address:     crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:     big.NewInt(cfg.ChainID),
		erc20:       parsedABI,
		confirmWait: confirmWait,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the custodial address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Release pays the buyer. Returns the confirmed transfer's hash.
func (w *Wallet) Release(ctx context.Context, asset, network, toAddress, amount string) (string, error) {
	return w.send(ctx, "release", asset, network, toAddress, amount)
}

// Refund returns funds to the seller. Returns the confirmed transfer's hash.
func (w *Wallet) Refund(ctx context.Context, asset, network, toAddress, amount string) (string, error) {
	return w.send(ctx, "refund", asset, network, toAddress, amount)
}

// send resolves the token, checks the custodial balance, submits the
// transfer, and waits for it to be mined. An unconfirmed or reverted
// transfer is an error; the caller treats the movement as not done.
func (w *Wallet) send(ctx context.Context, op, asset, network, toAddress, amount string) (string, error) {
	tok, err := w.registry.Resolve(asset, network)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(toAddress) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, toAddress)
	}
	units, ok := token.Parse(amount, tok.Decimals)
	if !ok || units.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	contract := common.HexToAddress(tok.Contract)
	balance, err := w.balanceOf(ctx, contract, w.address)
	if err != nil {
		return "", &TransferError{Op: op + " balance check", Err: err}
	}
	if balance.Cmp(units) < 0 {
		return "", fmt.Errorf("%w: have %s, need %s %s",
			ErrInsufficientBalance, token.Format(balance, tok.Decimals), amount, asset)
	}

	txHash, err := w.transfer(ctx, op, contract, common.HexToAddress(toAddress), units)
	if err != nil {
		return "", err
	}

	if err := w.waitMined(ctx, op, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (w *Wallet) balanceOf(ctx context.Context, contract, addr common.Address) (*big.Int, error) {
	data, err := w.erc20.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

func (w *Wallet) transfer(ctx context.Context, op string, contract, to common.Address, units *big.Int) (string, error) {
	data, err := w.erc20.Pack("transfer", to, units)
	if err != nil {
		return "", &TransferError{Op: op + " pack", Err: err}
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &TransferError{Op: op + " nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: op + " gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", &TransferError{Op: op + " sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: op + " send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// waitMined polls for the receipt until mined or timeout.
func (w *Wallet) waitMined(ctx context.Context, op, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, w.confirmWait)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &TransferError{Op: op + " confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
