// Package reception implements the Reception-Status Awaiter (C5): a
// pending-map correlation between an outgoing message_id and the
// ReceptionStatus that eventually answers it, the same request/reply
// shape a websocket client uses to match responses to calls it made.
package reception

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/s2flex/s2mitm/internal/s2"
)

// ErrTimeout is returned when no ReceptionStatus arrives before the
// deadline passed to SendAndAwait.
var ErrTimeout = errors.New("reception: timed out waiting for ReceptionStatus")

// Awaiter correlates ReceptionStatus messages with the message_id they
// answer. It is safe for concurrent use by many callers awaiting
// different message ids at once.
type Awaiter struct {
	mu       sync.Mutex
	waiting  map[string]chan s2.ReceptionStatus
	received map[string]s2.ReceptionStatus
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Awaiter {
	return &Awaiter{
		waiting:  make(map[string]chan s2.ReceptionStatus),
		received: make(map[string]s2.ReceptionStatus),
		logger:   logger,
	}
}

// Await registers interest in the ReceptionStatus for messageID and
// returns a one-shot channel that receives it.
func (a *Awaiter) Await(messageID string) <-chan s2.ReceptionStatus {
	ch := make(chan s2.ReceptionStatus, 1)
	a.mu.Lock()
	a.waiting[messageID] = ch
	a.mu.Unlock()
	return ch
}

// Cancel abandons a pending Await, e.g. after a timeout.
func (a *Awaiter) Cancel(messageID string) {
	a.mu.Lock()
	delete(a.waiting, messageID)
	a.mu.Unlock()
}

// Receive delivers an incoming ReceptionStatus to whichever Await call
// is waiting on its subject_message_id, and reports whether this is a
// duplicate — a ReceptionStatus for a subject_message_id already
// resolved earlier, which invariant I3/P6 requires be detected rather
// than silently accepted twice.
func (a *Awaiter) Receive(status s2.ReceptionStatus) (duplicate bool) {
	subjectID := status.SubjectMessageID

	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.waiting[subjectID]; ok {
		delete(a.waiting, subjectID)
		a.received[subjectID] = status
		ch <- status
		return false
	}

	if _, ok := a.received[subjectID]; ok {
		a.logger.Warn("duplicate reception status", "subject_message_id", subjectID, "status", status.Status)
		return true
	}

	a.received[subjectID] = status
	return false
}

// SendAndAwait sends via the given function, then blocks until the
// matching ReceptionStatus arrives, ctx is done, or timeout elapses.
func (a *Awaiter) SendAndAwait(ctx context.Context, send func() error, messageID string, timeout time.Duration) (s2.ReceptionStatus, error) {
	ch := a.Await(messageID)

	if err := send(); err != nil {
		a.Cancel(messageID)
		return s2.ReceptionStatus{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		a.Cancel(messageID)
		return s2.ReceptionStatus{}, ErrTimeout
	case <-ctx.Done():
		a.Cancel(messageID)
		return s2.ReceptionStatus{}, ctx.Err()
	}
}

// SendAndAwaitCtx sends via the given function, then blocks until the
// matching ReceptionStatus arrives or ctx is done. Unlike
// SendAndAwait, it imposes no timeout of its own — per spec §5, C5
// never bounds the wait; only a caller that needs a bound wraps it in
// a context deadline.
func (a *Awaiter) SendAndAwaitCtx(ctx context.Context, send func() error, messageID string) (s2.ReceptionStatus, error) {
	ch := a.Await(messageID)

	if err := send(); err != nil {
		a.Cancel(messageID)
		return s2.ReceptionStatus{}, err
	}

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		a.Cancel(messageID)
		return s2.ReceptionStatus{}, ctx.Err()
	}
}

// Forget drops the resolved-status record for messageID, bounding
// memory for long-lived sessions once a caller no longer needs
// duplicate detection for that id (e.g. on session end).
func (a *Awaiter) Forget(messageID string) {
	a.mu.Lock()
	delete(a.received, messageID)
	a.mu.Unlock()
}
