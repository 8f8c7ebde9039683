package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Async dispatches in the background so callers never wait on delivery.
// Failures are logged and dropped.
type Async struct {
	next    Dispatcher
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Dispatcher, logger zerolog.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, logger: logger, timeout: timeout}
}

// Notify schedules delivery of n and returns immediately. The request context
// is detached so delivery outlives the request that caused it.
func (a *Async) Notify(ctx context.Context, n *Notification) error {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if err := a.next.Notify(ctx, n); err != nil {
			a.logger.Warn().Err(err).
				Str("event", string(n.Event)).
				Str("recipient_id", n.RecipientID).
				Str("visit_number", n.VisitNumber).
				Msg("notification dispatch failed")
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
