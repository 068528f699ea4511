package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatbridge/internal/assistant"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 30 * time.Second
)

// ErrRunTimeout means the run did not finish within the poll window.
var ErrRunTimeout = errors.New("assistant run timed out")

// RunFailedError is a run that ended in a terminal failure status.
type RunFailedError struct {
	RunID  string
	Status string
	Reason string
}

func (e *RunFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("assistant run %s %s: %s", e.RunID, e.Status, e.Reason)
	}
	return fmt.Sprintf("assistant run %s %s", e.RunID, e.Status)
}

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusFunc reports the current state of a run.
type StatusFunc func(ctx context.Context) (assistant.Run, error)

// Poller waits for a run to reach a terminal status.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock
}

func NewPoller() Poller {
	return Poller{Interval: DefaultPollInterval, Timeout: DefaultPollTimeout, Clock: realClock{}}
}

// Wait polls status until the run completes, fails or the deadline passes.
// The deadline also bounds each status call, so a stalled request ends the
// wait with ErrRunTimeout.
func (p Poller) Wait(ctx context.Context, status StatusFunc) (assistant.Run, error) {
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}
	interval, timeout := p.Interval, p.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	deadline := clock.Now().Add(timeout)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		run, err := status(pctx)
		if err != nil {
			return run, p.expired(ctx, pctx, err)
		}
		switch run.Status {
		case assistant.RunCompleted:
			return run, nil
		case assistant.RunFailed, assistant.RunCancelled, assistant.RunExpired, assistant.RunIncomplete:
			failed := &RunFailedError{RunID: run.ID, Status: run.Status}
			if run.LastError != nil {
				failed.Reason = run.LastError.Message
			}
			return run, failed
		}

		if !clock.Now().Before(deadline) {
			return run, ErrRunTimeout
		}
		if err := clock.Sleep(pctx, interval); err != nil {
			return run, p.expired(ctx, pctx, err)
		}
	}
}

// expired maps the poll window running out to ErrRunTimeout. Cancellation
// of the caller's context is returned as is.
func (p Poller) expired(ctx, pctx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return ErrRunTimeout
	}
	return err
}
