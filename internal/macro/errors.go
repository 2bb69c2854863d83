package macro

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a macro failure. The dispatcher converts every kind into
// a private system reply; nothing escapes to the socket read loop.
type Kind int

const (
	KindInput Kind = iota
	KindUsage
	KindMention
	KindPermission
	KindBudget
	KindState
	KindThrottle
	KindStore
	KindInternal
)

// String implements fmt.Stringer. Used as the status attribute on metrics.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindUsage:
		return "usage"
	case KindMention:
		return "mention"
	case KindPermission:
		return "permission"
	case KindBudget:
		return "budget"
	case KindState:
		return "state"
	case KindThrottle:
		return "throttle"
	case KindStore:
		return "store"
	default:
		return "internal"
	}
}

// Error is a macro failure with a user-facing message. Store and internal
// failures additionally carry a correlation id that is logged server-side
// and echoed in the reply, never the underlying error text.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("macro: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("macro: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Reply renders the private system-message text shown to the sender.
func (e *Error) Reply() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s (ref: %s)", e.Message, e.CorrelationID)
	}
	return e.Message
}

func Inputf(format string, args ...any) *Error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

func Usagef(format string, args ...any) *Error {
	return &Error{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

func Mentionf(format string, args ...any) *Error {
	return &Error{Kind: KindMention, Message: fmt.Sprintf(format, args...)}
}

func Permissionf(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

func Budgetf(format string, args ...any) *Error {
	return &Error{Kind: KindBudget, Message: fmt.Sprintf(format, args...)}
}

func Statef(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func Throttlef(format string, args ...any) *Error {
	return &Error{Kind: KindThrottle, Message: fmt.Sprintf(format, args...)}
}

// StoreError wraps a persistence failure with a fresh correlation id.
func StoreError(err error) *Error {
	return &Error{
		Kind:          KindStore,
		Message:       "Something went wrong saving that. Please try again.",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// InternalError wraps an unexpected failure with a fresh correlation id.
func InternalError(err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "Something went wrong executing that command.",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}
