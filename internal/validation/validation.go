// Package validation provides request input validation for the ecollect API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ecollect/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	postalCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)
	hexRegex        = regexp.MustCompile(`^[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPostalCode checks for a 6-digit postal code.
func IsValidPostalCode(code string) bool {
	return postalCodeRegex.MatchString(code)
}

// IsValidHex checks if a string is non-empty hex without a prefix.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
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
	return e[0].Field + ": " + e[0].Message
}

// Err returns nil when there are no failures, otherwise an apperr validation
// error describing the first failure and wrapping the full list.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	verr := apperr.Validation(e[0].Field, e[0].Message)
	verr.Err = e
	return verr
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PostalCode checks for a 6-digit postal code.
func PostalCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPostalCode(value) {
			return &ValidationError{Field: field, Message: "must be a 6-digit postal code"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed strings.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// FutureTime checks that t is strictly after now.
func FutureTime(field string, t, now time.Time) func() *ValidationError {
	return func() *ValidationError {
		if t.IsZero() {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !t.After(now) {
			return &ValidationError{Field: field, Message: "must be in the future"}
		}
		return nil
	}
}

// Percentage checks 0 <= v <= 100.
func Percentage(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if v < 0 || v > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// PositiveMinor checks an integer minor-unit amount is at least 1.
func PositiveMinor(field string, amount int64) func() *ValidationError {
	return func() *ValidationError {
		if amount < 1 {
			return &ValidationError{Field: field, Message: "must be at least 1 minor unit"}
		}
		return nil
	}
}
