// Package retry classifies external failures and retries transient ones
// with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/domain"
)

// ErrExhausted marks a transient failure that used up its retry budget.
var ErrExhausted = errors.New("retry budget exhausted")

// Class of an external failure.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps an error onto Transient (timeouts, 5xx, rate limits) or
// Permanent (rejections and every other 4xx).
func Classify(err error) Class {
	var ae *adapter.Error
	if errors.As(err, &ae) {
		if ae.Transient() {
			return Transient
		}
		return Permanent
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryPermanentExternal, domain.CategoryValidation:
		return Permanent
	case domain.CategoryTransientExternal:
		return Transient
	}
	// Timeouts and unknown transport errors are worth another try.
	return Transient
}

// Op identifies one retried external operation.
type Op struct {
	JobID    string
	RecordID string
	Name     string
	System   domain.System
}

// Attempt describes a scheduled retry.
type Attempt struct {
	Op      Op
	Attempt int
	Delay   time.Duration
	Err     error
}

// Hook is called before every backoff wait. An error aborts the retry loop.
type Hook func(ctx context.Context, a Attempt) error

// Manager runs operations under a Policy.
type Manager struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewManager(policy Policy) *Manager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Manager{policy: policy, sleep: sleepContext}
}

// WithSleep replaces the wait function; tests use it to skip real delays.
func (m *Manager) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Manager {
	m.sleep = sleep
	return m
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// Do runs fn until it succeeds, fails permanently or exhausts the budget.
// Permanent failures come back as domain.PermanentExternalFailure; an
// exhausted budget as domain.TransientExternalFailure wrapping ErrExhausted.
// It returns the number of tries made.
func (m *Manager) Do(ctx context.Context, op Op, hook Hook, fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if Classify(err) == Permanent {
			return attempt, domain.PermanentExternalFailure(err)
		}
		if attempt >= m.policy.MaxAttempts {
			log.WithFields(log.Fields{
				"job_id":    op.JobID,
				"record_id": op.RecordID,
				"op":        op.Name,
				"system":    op.System,
				"attempts":  attempt,
			}).WithError(err).Warn("retry budget exhausted")
			return attempt, domain.TransientExternalFailure(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err))
		}

		delay := m.policy.Delay(op.JobID+":"+op.Name+":"+string(op.System), attempt-1)
		var ae *adapter.Error
		if errors.As(err, &ae) && ae.RetryAfter > delay {
			delay = ae.RetryAfter
			if m.policy.Cap > 0 && delay > m.policy.Cap {
				delay = m.policy.Cap
			}
		}
		if hook != nil {
			if herr := hook(ctx, Attempt{Op: op, Attempt: attempt, Delay: delay, Err: err}); herr != nil {
				return attempt, herr
			}
		}
		log.WithFields(log.Fields{
			"job_id":    op.JobID,
			"record_id": op.RecordID,
			"op":        op.Name,
			"system":    op.System,
			"attempt":   attempt,
			"delay":     delay,
		}).WithError(err).Info("retrying external call")
		if err := m.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
