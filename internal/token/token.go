// Package token provides the (asset, network) registry and minor-unit
// amount parsing and formatting.
//
// All amounts cross the API as decimal strings (e.g. "100.00") and are
// stored and compared as big.Int in the token's smallest unit, so
// accumulation is exact regardless of decimal precision.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var ErrUnknownToken = errors.New("token: unknown asset/network pair")

// Token describes one deployed token contract.
type Token struct {
	Symbol   string `json:"symbol"`
	Network  string `json:"network"`
	Contract string `json:"contract"` // ERC-20 contract address
	Decimals int    `json:"decimals"`
}

// Registry resolves (asset, network) pairs to token metadata.
type Registry struct {
	tokens map[string]Token
}

// NewRegistry creates a registry from a list of tokens.
func NewRegistry(tokens []Token) *Registry {
	r := &Registry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		r.tokens[key(t.Symbol, t.Network)] = t
	}
	return r
}

// Resolve returns the token for an (asset, network) pair.
func (r *Registry) Resolve(symbol, network string) (Token, error) {
	t, ok := r.tokens[key(symbol, network)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, symbol, network)
	}
	return t, nil
}

// All returns every registered token.
func (r *Registry) All() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}

func key(symbol, network string) string {
	return strings.ToUpper(symbol) + "/" + strings.ToLower(network)
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the token's decimals
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// More fractional digits than the token carries is a caller
	// error, not something to round away. Trailing zeros are fine.
	if len(frac) > decimals {
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, false
		}
		frac = frac[:decimals]
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with the
// token's full precision (e.g. "1.500000" for 6 decimals).
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	split := len(s) - decimals
	result := s[:split]
	if decimals > 0 {
		result += "." + s[split:]
	}
	if neg {
		result = "-" + result
	}
	return result
}
