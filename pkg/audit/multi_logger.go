package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MultiLogger fans each event out to several sinks concurrently. Every sink
// is attempted; the returned error joins all sink failures.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log implements Logger. Each sink receives its own copy of the event; the
// ID assigned by the first sink (in constructor order) wins.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make([]error, len(m.loggers))
		ids  = make([]int64, len(m.loggers))
	)

	for i, logger := range m.loggers {
		copied := *event
		g.Go(func() error {
			if err := logger.Log(ctx, &copied); err != nil {
				mu.Lock()
				errs[i] = fmt.Errorf("audit sink %d: %w", i, err)
				mu.Unlock()
				return nil
			}
			ids[i] = copied.ID
			return nil
		})
	}
	g.Wait()

	for _, id := range ids {
		if id != 0 {
			event.ID = id
			break
		}
	}
	return errors.Join(errs...)
}

// Close closes all loggers
func (m *MultiLogger) Close() error {
	var errs []error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
