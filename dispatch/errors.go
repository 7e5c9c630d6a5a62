package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionNotFound = errors.New("dispatch: no matching transaction")
	ErrChannelClosed       = errors.New("dispatch: channel closed")
	ErrChannelUnreachable  = errors.New("dispatch: remote unreachable")
)

func wrapChannelError(op string, err error) error {
	var ce *ChannelError
	if errors.As(err, &ce) {
		if ce.Unreachable {
			return fmt.Errorf("%s: %w: %w", op, ErrChannelUnreachable, err)
		}
		if ce.Disconnected {
			return fmt.Errorf("%s: %w: %w", op, ErrChannelClosed, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
