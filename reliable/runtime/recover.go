package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/veldtbase/lib-reliable/reliable/log"
)

// PanicPolicy determines what happens after a panic has been recovered and
// logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic
// must not take the process down.
//
//	defer runtime.RecoverAndLog(ctx, logger, "outbox", "dispatcher_tick")
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered, debug.Stack())
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to the
// given policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered, debug.Stack())

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// SafeGo launches fn in a goroutine guarded by RecoverWithPolicy.
func SafeGo(logger log.Logger, component, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, component, name, policy)

		fn()
	}()
}

// SafeGoWithContext launches fn with ctx in a goroutine guarded by
// RecoverWithPolicy.
func SafeGoWithContext(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(ctx context.Context),
) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(
		ctx,
		log.LevelError,
		"panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.String("panic", fmt.Sprintf("%v", panicValue)),
		log.String("stack", string(stack)),
	)
}
