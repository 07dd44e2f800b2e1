// Package lease provides the exclusive per-record lease that serializes
// sync jobs of one record across workers and processes.
package lease

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Locker grants time-bounded exclusive leases keyed by record id.
// TryAcquire reports false when another owner holds an unexpired lease.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type entry struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]entry), now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[key] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || cur.owner != owner {
		return false, nil
	}
	cur.expires = m.now().Add(ttl)
	m.leases[key] = cur
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// Held keeps a lease alive until Release, extending it every ttl/3.
// Lost is closed when an extension is refused or two extensions in a row
// fail, after which the holder must stop acting on the record.
type Held struct {
	locker Locker
	key    string
	owner  string
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

// maxExtendFailures is how many failed extensions in a row count as a lost
// lease; at ttl/3 per attempt the lease is then close to expiring.
const maxExtendFailures = 2

// Acquire takes the lease and starts keeping it alive. It returns nil, nil
// when the lease is held elsewhere.
func Acquire(ctx context.Context, l Locker, key, owner string, ttl time.Duration) (*Held, error) {
	ok, err := l.TryAcquire(ctx, key, owner, ttl)
	if err != nil || !ok {
		return nil, err
	}
	keepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Held{
		locker: l,
		key:    key,
		owner:  owner,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go h.keepAlive(keepCtx, ttl)
	return h, nil
}

// Lost is closed once the lease can no longer be trusted.
func (h *Held) Lost() <-chan struct{} {
	return h.lost
}

func (h *Held) keepAlive(ctx context.Context, ttl time.Duration) {
	defer close(h.done)
	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := h.locker.Extend(ctx, h.key, h.owner, ttl)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				failures++
				log.WithError(err).WithFields(log.Fields{
					"record_id": h.key,
					"failures":  failures,
				}).Warn("Failed to extend record lease")
				if failures < maxExtendFailures {
					continue
				}
			case ok:
				failures = 0
				continue
			}
			log.WithField("record_id", h.key).Warn("Record lease lost")
			close(h.lost)
			return
		}
	}
}

// Release stops the keep-alive and gives the lease back.
func (h *Held) Release(ctx context.Context) error {
	h.cancel()
	<-h.done
	return h.locker.Release(ctx, h.key, h.owner)
}
