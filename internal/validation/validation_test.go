package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1234567890123456789012345678901234567890",
		"0xabcdefABCDEF1234567890123456789012345678",
		"0x0000000000000000000000000000000000000000",
	}
	invalid := []string{
		"1234567890123456789012345678901234567890",
		"0x12345678901234567890123456789012345678",
		"0x123456789012345678901234567890123456789012",
		"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG",
		"",
		"0x",
	}
	for _, addr := range valid {
		if !IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = false, want true", addr)
		}
	}
	for _, addr := range invalid {
		if IsValidEthAddress(addr) {
			t.Errorf("IsValidEthAddress(%q) = true, want false", addr)
		}
	}
}

func TestIsValidTxReference(t *testing.T) {
	valid := []string{
		"0xab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12",
		"0xAB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12CD34EF56AB12",
	}
	invalid := []string{
		"ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12",
		"0x1234",
		"0xgg12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12",
		"",
		"0x",
	}
	for _, ref := range valid {
		if !IsValidTxReference(ref) {
			t.Errorf("IsValidTxReference(%q) = false, want true", ref)
		}
	}
	for _, ref := range invalid {
		if IsValidTxReference(ref) {
			t.Errorf("IsValidTxReference(%q) = true, want false", ref)
		}
	}
}

func TestValidate_CollectsFailures(t *testing.T) {
	errs := Validate(
		Required("actorId", "alice"),
		ValidAddress("payoutAddr", "0x1234567890123456789012345678901234567890"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("actorId", "  "),
		ValidAddress("payoutAddr", "not-an-address"),
		ValidTxReference("ref", "0xdead"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "actorId: is required" {
		t.Fatalf("Error() = %q", errs.Error())
	}
}

func TestOptionalChecksPassOnEmpty(t *testing.T) {
	errs := Validate(
		ValidAddress("payoutAddr", ""),
		ValidTxReference("ref", ""),
		ValidAmount("amount", ""),
	)
	if len(errs) != 0 {
		t.Fatalf("empty optional fields should pass, got %v", errs)
	}
}

func TestValidAmount(t *testing.T) {
	cases := map[string]bool{
		"1.00":     true,
		"0.50":     true,
		"100":      true,
		"0.000001": true,
		".50":      false,
		"1.":       false,
		"abc":      false,
		"-1.00":    false,
		"1.2.3":    false,
		"0":        false,
		"0.000":    false,
	}
	for value, want := range cases {
		got := ValidAmount("amount", value)() == nil
		if got != want {
			t.Errorf("ValidAmount(%q) valid = %v, want %v", value, got, want)
		}
	}
}
