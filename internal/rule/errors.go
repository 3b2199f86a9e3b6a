package rule

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can react programmatically
// instead of matching message strings.
type Kind int

const (
	// KindValidation is a structural failure of a single rule, either at
	// config time or at runtime.
	KindValidation Kind = iota
	// KindConsistency is a set-level failure: empty set or duplicate rule
	// numbers.
	KindConsistency
	// KindProvisioning is an OS-level failure while allocating ports or
	// resolving bind addresses. It aborts the whole batch.
	KindProvisioning
	// KindLegacyParse is a malformed deprecated numeric identity.
	KindLegacyParse
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConsistency:
		return "consistency"
	case KindProvisioning:
		return "provisioning"
	case KindLegacyParse:
		return "legacy-parse"
	}
	return "unknown"
}

// Error is the engine's error type. RuleNum is 0 for failures that are not
// scoped to a single rule.
type Error struct {
	Kind    Kind
	RuleNum int
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.RuleNum > 0 {
		return fmt.Sprintf("resource %d %s", e.RuleNum, e.Reason)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// ErrKind reports the engine error kind of err, if it carries one.
func ErrKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func structuralErr(ruleNum int, format string, args ...any) error {
	return &Error{Kind: KindValidation, RuleNum: ruleNum, Reason: fmt.Sprintf(format, args...)}
}

func consistencyErr(format string, args ...any) error {
	return &Error{Kind: KindConsistency, Reason: fmt.Sprintf(format, args...)}
}

func provisioningErr(reason string, cause error) error {
	return &Error{Kind: KindProvisioning, Reason: reason, Err: cause}
}

func legacyParseErr(ruleName string, cause error) error {
	return &Error{
		Kind:   KindLegacyParse,
		Reason: fmt.Sprintf("legacy rule name %q is not a number", ruleName),
		Err:    cause,
	}
}
