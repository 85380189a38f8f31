package helper

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/CloudNativeWorks/elchi-ota/pkg/logger"
)

var ErrPanic = errors.New("panic recovered")

// RecoverPanic recovers from panics in goroutines and logs the stack trace.
// Usage: defer helper.RecoverPanic(logger, "goroutine-name")
func RecoverPanic(log *logger.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(log, name, r)
	}
}

// RecoverError is RecoverPanic for functions with a named error result:
// the panic is logged and returned through errp.
// Usage: defer helper.RecoverError(logger, "update-cycle", &err)
func RecoverError(log *logger.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		logPanic(log, name, r)
		*errp = fmt.Errorf("%w in %s: %v", ErrPanic, name, r)
	}
}

func logPanic(log *logger.Logger, name string, r any) {
	log.WithFields(logger.Fields{"recovered_in": name}).
		Errorf("PANIC recovered: %v\nStack: %s", r, debug.Stack())
}
