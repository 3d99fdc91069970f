// Package faults carries infrastructure failures that must never change a
// verdict. They are logged, counted and optionally streamed to a subscriber.
package faults

import (
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/metrics"
)

// NonFatalError is a swallowed failure of a side operation.
type NonFatalError struct {
	Op  string
	Err error
}

func (e *NonFatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NonFatalError) Unwrap() error {
	return e.Err
}

// Reporter records non-fatal errors. The zero value is not usable; use New.
type Reporter struct {
	logger *logging.Logger
	ch     chan *NonFatalError
}

// New creates a Reporter. buffer sizes the subscriber channel; 0 disables it.
func New(logger *logging.Logger, buffer int) *Reporter {
	r := &Reporter{logger: logger}
	if buffer > 0 {
		r.ch = make(chan *NonFatalError, buffer)
	}
	return r
}

// Report logs and counts err under op. It never blocks.
func (r *Reporter) Report(op string, err error) {
	if r == nil || err == nil {
		return
	}
	nf := &NonFatalError{Op: op, Err: err}
	metrics.NonFatalErrors.WithLabelValues(op).Inc()
	r.logger.Warn("non-fatal error", slog.String("op", op), logging.Error(err))
	if r.ch == nil {
		return
	}
	select {
	case r.ch <- nf:
	default:
	}
}

// Errors exposes the subscriber channel. Nil when disabled.
func (r *Reporter) Errors() <-chan *NonFatalError {
	return r.ch
}
