// Package validation bounds untrusted miner-supplied strings before they
// reach the store or the logs.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

// Validation limits
const (
	MinAddressLength = 1
	MaxAddressLength = 128
	MaxWorkerLength  = 64
	MaxAgentLength   = 128
	MaxJobIDLength   = 64
)

// Validation errors
var (
	// Address errors
	ErrEmptyAddress         = errors.New("address is required")
	ErrAddressTooLong       = errors.New("address exceeds maximum length")
	ErrInvalidAddressFormat = errors.New("address contains invalid characters")

	// Worker errors
	ErrWorkerTooLong     = errors.New("worker name exceeds maximum length")
	ErrInvalidWorkerName = errors.New("worker name contains invalid characters")

	// Job ID errors
	ErrEmptyJobID   = errors.New("job ID is required")
	ErrJobIDTooLong = errors.New("job ID exceeds maximum length")
	ErrInvalidJobID = errors.New("job ID contains invalid characters")
)

// Validator provides input validation
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAddress validates a miner pool address. Addresses are opaque to
// the pool; any short alphanumeric identifier is acceptable.
func (v *Validator) ValidateAddress(address string) error {
	if len(address) < MinAddressLength {
		return ErrEmptyAddress
	}
	if len(address) > MaxAddressLength {
		return ErrAddressTooLong
	}
	if !isSafeString(address) {
		return ErrInvalidAddressFormat
	}
	return nil
}

// ValidateWorkerName validates the worker suffix of an authorize string
func (v *Validator) ValidateWorkerName(name string) error {
	if len(name) > MaxWorkerLength {
		return ErrWorkerTooLong
	}
	if name != "" && !isSafeString(name) {
		return ErrInvalidWorkerName
	}
	return nil
}

// ValidateJobID validates a miner-supplied job identifier
func (v *Validator) ValidateJobID(jobID string) error {
	if jobID == "" {
		return ErrEmptyJobID
	}
	if len(jobID) > MaxJobIDLength {
		return ErrJobIDTooLong
	}
	if !isSafeString(jobID) {
		return ErrInvalidJobID
	}
	return nil
}

// isSafeString checks if a string contains only safe characters
func isSafeString(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

// SanitizeWorkerName sanitizes a worker name, falling back to "default"
func SanitizeWorkerName(name string) string {
	var safe strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			safe.WriteRune(r)
		}
	}

	result := safe.String()
	if result == "" {
		return "default"
	}
	if len(result) > MaxWorkerLength {
		result = result[:MaxWorkerLength]
	}
	return result
}

// SanitizeAgent strips control characters from a user agent string
func SanitizeAgent(agent string) string {
	if len(agent) > MaxAgentLength {
		agent = agent[:MaxAgentLength]
	}
	var safe strings.Builder
	for _, r := range agent {
		if r >= 32 && r < 127 {
			safe.WriteRune(r)
		}
	}
	return safe.String()
}
