package common

import (
	"errors"
	"fmt"

	"github.com/xshayank/VpnMarket-sub001/logger"
)

func NewErrorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

// Combine joins the non-nil errors, returning nil when there are none.
func Combine(errs ...error) error {
	return errors.Join(errs...)
}

// Recover swallows a panic in the calling goroutine and logs it with msg.
// It must be invoked directly by a deferred call.
func Recover(msg string) any {
	panicErr := recover()
	if panicErr != nil && msg != "" {
		logger.Error(msg, " panic: ", panicErr)
	}
	return panicErr
}
