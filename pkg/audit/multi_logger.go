package audit

import (
	"context"
	"errors"
	"sync"
)

// MultiLogger logs to multiple audit loggers simultaneously
type MultiLogger struct {
	loggers []Logger
	async   bool // If true, log asynchronously
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		async:   true,
		errChan: make(chan error, len(loggers)),
	}
}

// SetAsync sets whether logging should be asynchronous
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log logs an audit event to all configured loggers
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	return m.fanOut(ctx, func(ctx context.Context, l Logger) error {
		return l.Log(ctx, event)
	})
}

// LogDecision logs an authorization decision to all configured loggers
func (m *MultiLogger) LogDecision(ctx context.Context, decision Decision) error {
	return m.fanOut(ctx, func(ctx context.Context, l Logger) error {
		return l.LogDecision(ctx, decision)
	})
}

// LogAdminAction logs an admin action to all configured loggers
func (m *MultiLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, resourceType ResourceType, resourceID string, message string) error {
	return m.fanOut(ctx, func(ctx context.Context, l Logger) error {
		return l.LogAdminAction(ctx, eventType, actorID, resourceType, resourceID, message)
	})
}

func (m *MultiLogger) fanOut(ctx context.Context, fn func(context.Context, Logger) error) error {
	if len(m.loggers) == 0 {
		return nil
	}

	if !m.async {
		var firstErr error
		for _, logger := range m.loggers {
			// Continue logging to other loggers even if one fails
			if err := fn(ctx, logger); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	// the request may finish before the write does
	detached := context.WithoutCancel(ctx)
	for _, logger := range m.loggers {
		m.wg.Add(1)
		go func(l Logger) {
			defer m.wg.Done()
			if err := fn(detached, l); err != nil {
				select {
				case m.errChan <- err:
				default:
					// Channel full, drop error
				}
			}
		}(logger)
	}

	return nil
}

// Wait blocks until pending asynchronous writes finish
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains errors recorded by asynchronous writes
func (m *MultiLogger) Errors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close waits for pending writes and closes all loggers
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
