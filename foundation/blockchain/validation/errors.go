// Package validation implements the consensus rules for blocks and
// transactions. Nothing in this package changes node state; callers pass in
// the view of the outputs a block or transaction is checked against.
package validation

import (
	"errors"
	"fmt"
)

// Kind classifies a rule failure by how the caller should react to it.
type Kind int

// Set of rule failure kinds.
const (
	Malformed          Kind = iota + 1 // Permanent, the data can never be valid.
	MissingReference                   // Unknown parent or input, retry after sync.
	ConsensusViolation                 // Permanent, the data breaks a rule.
	ResourceExhaustion                 // Shed load, the data may be fine.
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingReference:
		return "missing-reference"
	case ConsensusViolation:
		return "consensus-violation"
	case ResourceExhaustion:
		return "resource-exhaustion"
	}
	return "unknown"
}

// Set of rejection reasons.
const (
	ReasonMalformed        = "malformed"
	ReasonInsufficientWork = "insufficient-work"
	ReasonDoubleSpend      = "double-spend"
	ReasonBadSignature     = "bad-signature"
	ReasonStaleReference   = "stale-reference"
	ReasonBadTimestamp     = "bad-timestamp"
	ReasonBadMerkleRoot    = "bad-merkle-root"
	ReasonBadCoinbase      = "bad-coinbase"
	ReasonOverspend        = "overspend"
	ReasonImmatureSpend    = "immature-spend"
	ReasonBadDifficulty    = "bad-difficulty"
	ReasonOversize         = "oversize"
	ReasonPoolFull         = "pool-full"
	ReasonChainTooLong     = "too-long-mempool-chain"
	ReasonKnownInvalid     = "known-invalid"
)

// RuleError is returned when a block or transaction fails a rule.
type RuleError struct {
	Kind   Kind
	Reason string
	Msg    string
}

// NewRuleError constructs a rule error.
func NewRuleError(kind Kind, reason string, format string, args ...any) *RuleError {
	return &RuleError{
		Kind:   kind,
		Reason: reason,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (re *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", re.Reason, re.Msg)
}

// Permanent reports whether the data can never become valid.
func (re *RuleError) Permanent() bool {
	return re.Kind == Malformed || re.Kind == ConsensusViolation
}

// GetRuleError returns the rule error in the chain, or nil.
func GetRuleError(err error) *RuleError {
	var re *RuleError
	if !errors.As(err, &re) {
		return nil
	}
	return re
}

// IsKind reports whether the error is a rule error of the specified kind.
func IsKind(err error, kind Kind) bool {
	re := GetRuleError(err)
	return re != nil && re.Kind == kind
}

// IsReason reports whether the error is a rule error with the specified reason.
func IsReason(err error, reason string) bool {
	re := GetRuleError(err)
	return re != nil && re.Reason == reason
}
