// Package validation holds the request validation helpers shared by the
// reservation handlers.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// RequestSizeMiddleware rejects bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex
// address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// SanitizeAddress trims, lowercases, and 0x-prefixes a bare 40-char
// address.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each check and collects the failures.
func Validate(checks ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when value is empty or whitespace.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress fails when a non-empty value is not an Ethereum address.
// Combine with Required when the field is mandatory.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidWeiAmount fails when a non-empty value is not a positive base-10
// integer. Settlement amounts are wei integers; decimals and negatives
// never reach the contract.
func ValidWeiAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok || n.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive integer amount in wei"}
		}
		return nil
	}
}
