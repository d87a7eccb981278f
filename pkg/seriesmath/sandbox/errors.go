package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOperationDisabled is matched by errors raised when an expression
	// calls one of the Denied operations.
	ErrOperationDisabled = errors.New("operation disabled")
	// ErrLimitExceeded is matched by errors raised when an expression is
	// larger than the configured Limits allow.
	ErrLimitExceeded = errors.New("expression limit exceeded")
	// ErrUndefinedProperty is matched by errors raised when an expression
	// reads a params member that the scope does not define.
	ErrUndefinedProperty = errors.New("undefined property")
)

// Error kinds reported by Kind.
const (
	KindSandbox    = "sandbox"
	KindLimit      = "limit"
	KindExpression = "expression"
)

// DisabledError is returned when an expression uses a denylisted operation
// or references EnvRoot.
type DisabledError struct {
	Name string
}

func (e *DisabledError) Error() string {
	if e.Name == EnvRoot {
		return fmt.Sprintf("%s is disabled", e.Name)
	}
	return fmt.Sprintf("function %s is disabled", e.Name)
}

func (e *DisabledError) Is(target error) bool { return target == ErrOperationDisabled }

// LimitError describes an expression that exceeds a Limits field.
type LimitError struct {
	Limit   string
	Current int
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("expression %s (%d) exceeds limit (%d)", e.Limit, e.Current, e.Max)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// UndefinedPropertyError names the params member path that could not be
// resolved against the scope.
type UndefinedPropertyError struct {
	Path string
}

func (e *UndefinedPropertyError) Error() string {
	return fmt.Sprintf("cannot read undefined property %s", e.Path)
}

func (e *UndefinedPropertyError) Is(target error) bool { return target == ErrUndefinedProperty }

// IsDisabled reports whether err was caused by a denylisted operation. Errors
// raised from inside the engine's VM are matched by message when the engine
// does not keep the original error in its chain.
func IsDisabled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOperationDisabled) {
		return true
	}
	for _, name := range Denied {
		if strings.Contains(err.Error(), (&DisabledError{Name: name}).Error()) {
			return true
		}
	}
	return false
}

// IsDivideByZero reports whether err signals a division by zero.
func IsDivideByZero(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "divide by zero") || strings.Contains(msg, "division by zero")
}

// Kind classifies err for API consumers. It returns "" for nil.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDisabled(err):
		return KindSandbox
	case errors.Is(err, ErrLimitExceeded):
		return KindLimit
	default:
		return KindExpression
	}
}
