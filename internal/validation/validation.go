// Package validation provides input validation helpers for the escrowd API.
package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// base58Regex matches the base58 alphabet used by ledger addresses and
// transaction signatures.
var base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// agentNameRegex matches registered agent names (lowercase, digits, hyphens).
var agentNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidWallet checks that a string decodes as a base58 ledger address.
// Addresses are 32 bytes; signatures are 64.
func IsValidWallet(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 || !base58Regex.MatchString(addr) {
		return false
	}
	return len(base58.Decode(addr)) == 32
}

// IsValidTxSignature checks that a string decodes as a base58 transaction
// signature.
func IsValidTxSignature(sig string) bool {
	if len(sig) < 64 || len(sig) > 96 || !base58Regex.MatchString(sig) {
		return false
	}
	return len(base58.Decode(sig)) == 64
}

// IsValidAgentName checks a seller agent name after prefix stripping.
func IsValidAgentName(name string) bool {
	return agentNameRegex.MatchString(name)
}

// NormalizeAgentName strips the agent:// scheme prefixes used by clients.
func NormalizeAgentName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "dev.agent://")
	name = strings.TrimPrefix(name, "agent://")
	name = strings.TrimPrefix(name, "dev.")
	return strings.ToLower(name)
}

// IsValidHTTPURL checks that a string is an absolute http(s) URL.
func IsValidHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = fmt.Sprintf("%s: %s", ve.Field, ve.Message)
	}
	return strings.Join(parts, "; ")
}

// Check is a single named validation.
type Check struct {
	Field   string
	OK      bool
	Message string
}

// Validate runs checks and collects failures.
func Validate(checks ...Check) ValidationErrors {
	var errs ValidationErrors
	for _, c := range checks {
		if !c.OK {
			errs = append(errs, ValidationError{Field: c.Field, Message: c.Message})
		}
	}
	return errs
}

// ValidWallet builds a check for a ledger address field.
func ValidWallet(field, addr string) Check {
	return Check{Field: field, OK: IsValidWallet(addr), Message: "must be a valid base58 wallet address"}
}

// ValidTxSignature builds a check for a transaction signature field.
func ValidTxSignature(field, sig string) Check {
	return Check{Field: field, OK: IsValidTxSignature(sig), Message: "must be a valid base58 transaction signature"}
}

// ValidAgentName builds a check for a seller agent name field.
func ValidAgentName(field, name string) Check {
	return Check{Field: field, OK: IsValidAgentName(NormalizeAgentName(name)), Message: "must be a registered agent name"}
}

// ValidAmount builds a check for a positive amount field.
func ValidAmount(field string, amount float64) Check {
	return Check{Field: field, OK: amount > 0, Message: "must be greater than 0"}
}
