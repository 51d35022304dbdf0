// Package chainclient wraps all external chain reads behind a single
// bounded-concurrency, rate-limited, retrying gate.
//
// Every caller funnels through the same semaphore and limiter, so
// backpressure against the upstream RPC provider is global rather than
// per-caller. Transient failures are retried with exponential backoff;
// a transaction that simply is not on chain yet is not a failure and is
// reported as ErrNotYetAvailable.
package chainclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/otcbridge/otcbridge/internal/circuitbreaker"
	"github.com/otcbridge/otcbridge/internal/metrics"
	"github.com/otcbridge/otcbridge/internal/retry"
)

var (
	// ErrNotYetAvailable means the transaction or receipt is not yet
	// confirmed on chain. Retryable by the caller after a delay.
	ErrNotYetAvailable = errors.New("chainclient: transaction not yet available on chain")
	// ErrExternalCall means the upstream provider failed after the full
	// retry budget (or its circuit is open).
	ErrExternalCall = errors.New("chainclient: upstream call failed")
)

// Backend is the subset of ethclient the engine reads through.
// Abstracted for tests.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the chain client gate.
type Config struct {
	RPCURL string
	// MaxInFlight bounds concurrent upstream calls.
	MaxInFlight int64
	// MinSpacing is the minimum interval between upstream calls.
	MinSpacing time.Duration
	// MaxAttempts per call for transient failures.
	MaxAttempts int
	// RetryBase is the first backoff delay; doubled per attempt.
	RetryBase time.Duration
}

// DefaultConfig returns the provider-friendly defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight: 5,
		MinSpacing:  150 * time.Millisecond,
		MaxAttempts: 3,
		RetryBase:   time.Second,
	}
}

// Client is the shared gate in front of the chain RPC provider.
type Client struct {
	backend Backend
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	cfg     Config
}

// Option configures the client.
type Option func(*Client)

// WithBackend sets a custom backend (useful for testing).
func WithBackend(b Backend) Option {
	return func(c *Client) { c.backend = b }
}

// New creates a chain client. Dials the RPC URL unless a backend is
// injected via WithBackend.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = 150 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}

	c := &Client{
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		limiter: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		breaker: circuitbreaker.New(5, 30*time.Second),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chainclient: connect to RPC: %w", err)
		}
		c.backend = client
	}
	return c, nil
}

// GetTransaction fetches a transaction by reference. ErrNotYetAvailable
// when the node does not know the hash or the transaction is pending.
func (c *Client) GetTransaction(ctx context.Context, ref string) (*types.Transaction, error) {
	var tx *types.Transaction
	err := c.call(ctx, "tx_by_hash", func(ctx context.Context) error {
		got, pending, err := c.backend.TransactionByHash(ctx, common.HexToHash(ref))
		if err != nil {
			return classify(err)
		}
		if pending {
			return retry.Permanent(ErrNotYetAvailable)
		}
		tx = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetReceipt fetches a finalized receipt. ErrNotYetAvailable when the
// transaction has not been mined.
func (c *Client) GetReceipt(ctx context.Context, ref string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "receipt", func(ctx context.Context) error {
		got, err := c.backend.TransactionReceipt(ctx, common.HexToHash(ref))
		if err != nil {
			return classify(err)
		}
		receipt = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetLogs runs a log filter query through the gate.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "filter_logs", func(ctx context.Context) error {
		got, err := c.backend.FilterLogs(ctx, q)
		if err != nil {
			return classify(err)
		}
		logs = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// call pushes one upstream read through the shared gate: semaphore for
// bounded concurrency, limiter for inter-call spacing, circuit breaker
// and retry around the call itself. No in-process lock is held while
// the call is in flight.
func (c *Client) call(ctx context.Context, key string, fn func(context.Context) error) error {
	if !c.breaker.Allow(key) {
		metrics.ChainCallsTotal.WithLabelValues(key, "circuit_open").Inc()
		return fmt.Errorf("%w: circuit open for %s", ErrExternalCall, key)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	err := retry.Do(ctx, c.cfg.MaxAttempts, c.cfg.RetryBase, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		metrics.ChainCallsTotal.WithLabelValues(key, "attempt").Inc()
		return fn(ctx)
	})

	switch {
	case err == nil:
		c.breaker.RecordSuccess(key)
		metrics.ChainCallsTotal.WithLabelValues(key, "ok").Inc()
		return nil
	case errors.Is(err, ErrNotYetAvailable):
		// Not a provider fault; the chain just hasn't confirmed yet.
		c.breaker.RecordSuccess(key)
		metrics.ChainCallsTotal.WithLabelValues(key, "not_yet").Inc()
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		c.breaker.RecordFailure(key)
		metrics.ChainCallsTotal.WithLabelValues(key, "failed").Inc()
		return fmt.Errorf("%w: %s: %v", ErrExternalCall, key, err)
	}
}

// classify maps backend errors to retry semantics: a missing
// transaction is a permanent "not yet" (polling again later is the
// caller's decision, not the retry loop's); everything else is assumed
// transient and retried.
func classify(err error) error {
	if errors.Is(err, ethereum.NotFound) {
		return retry.Permanent(ErrNotYetAvailable)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}
	return err
}
