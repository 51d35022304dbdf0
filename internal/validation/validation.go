// Package validation provides input validation helpers for the escrow API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies accepted by the API.
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txRefRegex      = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x plus 40 hex characters.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxReference reports whether ref is a well-formed EVM
// transaction hash, 0x plus 64 hex characters.
func IsValidTxReference(ref string) bool {
	return txRefRegex.MatchString(ref)
}

// ValidationError names the failing field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects per-field failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each check and gathers the failures.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when the value is empty or whitespace.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress fails on malformed Ethereum addresses. Empty values pass;
// combine with Required when the field is mandatory.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidTxReference fails on malformed transaction hashes. Empty values
// pass.
func ValidTxReference(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidTxReference(value) {
			return &ValidationError{Field: field, Message: "must be a transaction hash (0x + 64 hex chars)"}
		}
		return nil
	}
}

// ValidAmount fails unless the value is a positive decimal number.
// Empty values pass.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		bad := &ValidationError{Field: field, Message: "invalid amount format"}
		dots := 0
		positive := false
		for i, c := range value {
			switch {
			case c == '.':
				dots++
				if dots > 1 || i == 0 || i == len(value)-1 {
					return bad
				}
			case c < '0' || c > '9':
				return bad
			case c != '0':
				positive = true
			}
		}
		if !positive {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
