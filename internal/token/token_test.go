package token

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     int64
		ok       bool
	}{
		{"", 6, 0, true},
		{"1", 6, 1000000, true},
		{"1.5", 6, 1500000, true},
		{"0.000001", 6, 1, true},
		{"100.00", 2, 10000, true},
		{"1.500000000", 6, 1500000, true}, // excess zeros are harmless
		{"1.234567891", 6, 0, false},      // excess precision is rejected
		{"0.0000001", 6, 0, false},
		{"-1", 6, 0, false},
		{"1.2.3", 6, 0, false},
		{"abc", 6, 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in, tt.decimals)
		if ok != tt.ok {
			t.Errorf("Parse(%q, %d) ok = %v, want %v", tt.in, tt.decimals, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q, %d) = %v, want %d", tt.in, tt.decimals, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in       int64
		decimals int
		want     string
	}{
		{1500000, 6, "1.500000"},
		{1, 6, "0.000001"},
		{0, 6, "0.000000"},
		{10000, 2, "100.00"},
		{-1500000, 6, "-1.500000"},
		{7, 0, "7"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in), tt.decimals); got != tt.want {
			t.Errorf("Format(%d, %d) = %q, want %q", tt.in, tt.decimals, got, tt.want)
		}
	}
}

func TestFormatNil(t *testing.T) {
	if got := Format(nil, 6); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry([]Token{
		{Symbol: "USDT", Network: "ethereum", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{Symbol: "USDC", Network: "base", Contract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
	})

	tok, err := reg.Resolve("usdt", "Ethereum")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if tok.Decimals != 6 {
		t.Errorf("decimals = %d, want 6", tok.Decimals)
	}

	if _, err := reg.Resolve("DOGE", "ethereum"); err == nil {
		t.Error("expected error for unregistered token")
	}
}
