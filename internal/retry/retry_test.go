package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lims-eln-sync/internal/adapter"
	"lims-eln-sync/internal/domain"
)

func noSleep(context.Context, time.Duration) error { return nil }

func rateLimited() error {
	return &adapter.Error{System: domain.SystemLIMS, Op: "push", Kind: adapter.KindRateLimited, StatusCode: http.StatusTooManyRequests}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay("k", 0))
	assert.Equal(t, 200*time.Millisecond, p.Delay("k", 1))
	assert.Equal(t, 400*time.Millisecond, p.Delay("k", 2))
	assert.Equal(t, time.Second, p.Delay("k", 5))
	assert.Equal(t, time.Second, p.Delay("k", 64))
}

func TestPolicy_JitterIsBoundedAndReproducible(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: time.Second, MaxJitter: 50 * time.Millisecond}

	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay("job-1", attempt)
		assert.Equal(t, d, p.Delay("job-1", attempt))
		base := Policy{Base: p.Base, Cap: p.Cap}.Delay("job-1", attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+p.MaxJitter)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Transient, Classify(rateLimited()))
	assert.Equal(t, Transient, Classify(&adapter.Error{Kind: adapter.KindUnavailable, StatusCode: 503}))
	assert.Equal(t, Transient, Classify(&adapter.Error{Kind: adapter.KindTimeout}))
	assert.Equal(t, Transient, Classify(context.DeadlineExceeded))
	assert.Equal(t, Permanent, Classify(&adapter.Error{Kind: adapter.KindRejected, StatusCode: 422}))
	assert.Equal(t, Permanent, Classify(domain.PermanentExternalFailure(errors.New("schema rejected"))))
}

func TestManager_RetriesUntilSuccess(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 5, Base: time.Millisecond}).WithSleep(noSleep)
	calls := 0
	var scheduled []Attempt

	tries, err := m.Do(context.Background(), Op{JobID: "j", Name: "push", System: domain.SystemLIMS},
		func(_ context.Context, a Attempt) error {
			scheduled = append(scheduled, a)
			return nil
		},
		func(context.Context) error {
			calls++
			if calls <= 3 {
				return rateLimited()
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 4, tries)
	require.Len(t, scheduled, 3)
	for i, a := range scheduled {
		assert.Equal(t, i+1, a.Attempt)
	}
}

func TestManager_ExhaustsBudget(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 3, Base: time.Millisecond}).WithSleep(noSleep)
	hooks := 0

	tries, err := m.Do(context.Background(), Op{Name: "push"},
		func(context.Context, Attempt) error { hooks++; return nil },
		func(context.Context) error { return rateLimited() })

	assert.Equal(t, 3, tries)
	assert.Equal(t, 2, hooks)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, domain.IsCategory(err, domain.CategoryTransientExternal))
}

func TestManager_PermanentFailureIsNotRetried(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 5}).WithSleep(noSleep)
	calls := 0

	tries, err := m.Do(context.Background(), Op{Name: "push"}, nil, func(context.Context) error {
		calls++
		return &adapter.Error{Kind: adapter.KindRejected, StatusCode: http.StatusBadRequest}
	})

	assert.Equal(t, 1, tries)
	assert.Equal(t, 1, calls)
	assert.True(t, domain.IsCategory(err, domain.CategoryPermanentExternal))
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestManager_HonoursRetryAfter(t *testing.T) {
	var waited time.Duration
	m := NewManager(Policy{MaxAttempts: 2, Base: time.Millisecond, Cap: time.Minute}).
		WithSleep(func(_ context.Context, d time.Duration) error { waited = d; return nil })

	calls := 0
	_, err := m.Do(context.Background(), Op{Name: "push"}, nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return &adapter.Error{Kind: adapter.KindRateLimited, RetryAfter: 3 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, waited)
}

func TestManager_HookErrorAborts(t *testing.T) {
	m := NewManager(Policy{MaxAttempts: 5}).WithSleep(noSleep)
	halted := errors.New("ledger halted")

	_, err := m.Do(context.Background(), Op{Name: "push"},
		func(context.Context, Attempt) error { return halted },
		func(context.Context) error { return rateLimited() })
	assert.ErrorIs(t, err, halted)
}
