package order

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrRejected        = errors.New("order rejected")
	ErrAlreadyTerminal = errors.New("order already terminal")
	ErrNotFound        = errors.New("order not found")
)

// RejectedError carries the risk gate's reason. It matches ErrRejected.
type RejectedError struct {
	Reason string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("order rejected: %s", e.Reason)
	}
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}
