package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports bad inputs detected before any I/O.
	ErrConfiguration = errors.New("messaging: invalid configuration")
	// ErrConnection reports transport establishment or authentication failure.
	ErrConnection = errors.New("messaging: connection failed")
	// ErrIllegalState reports an operation on a closed, invalid or wrong-mode object.
	ErrIllegalState = errors.New("messaging: illegal state")
	// ErrTransactionRolledBack reports a commit aborted by the broker.
	ErrTransactionRolledBack = errors.New("messaging: transaction rolled back")
	// ErrInvalidDestination reports an operation against a deleted or unknown destination.
	ErrInvalidDestination = errors.New("messaging: invalid destination")
	// ErrInvalidSelector reports a message selector that does not compile.
	ErrInvalidSelector = errors.New("messaging: invalid selector")
	// ErrMessaging is the catch-all for transport failures during send or receive.
	ErrMessaging = errors.New("messaging: transport failure")
)

// Error carries the failed operation and its taxonomy kind.
// errors.Is matches both Kind and the wrapped cause.
type Error struct {
	Op   string // Operation that failed
	Kind error  // One of the Err* sentinels
	Err  error  // Underlying error, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func illegalState(op, reason string) error {
	return &Error{Op: op, Kind: ErrIllegalState, Err: errors.New(reason)}
}

// classify wraps a transport error, keeping a taxonomy kind the transport
// already attached and defaulting to ErrMessaging otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{
		ErrConfiguration,
		ErrConnection,
		ErrIllegalState,
		ErrTransactionRolledBack,
		ErrInvalidDestination,
		ErrInvalidSelector,
		ErrMessaging,
	} {
		if errors.Is(err, kind) {
			return &Error{Op: op, Kind: kind, Err: err}
		}
	}
	return &Error{Op: op, Kind: ErrMessaging, Err: err}
}
