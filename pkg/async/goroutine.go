package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/campus/pkg/observability"
)

// Go runs fn in its own goroutine with a deadline. A returned error or a
// panic is logged under taskName and never reaches the caller. done, when
// non-nil, is closed after fn returns.
//
//	async.Go(ctx, logger, time.Minute, "layering check", func(ctx context.Context) error {
//	    _, err := manager.CheckLayering(ctx)
//	    return err
//	})
func Go(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		log := logger.WithField("task", taskName)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("task panicked")
			}
		}()

		start := time.Now()
		if err := fn(ctx); err != nil {
			log.WithError(err).Error("task failed")
			return
		}
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("task completed")
	}()
	return done
}
