package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kneutral-org/lockguard/internal/guard"
)

// MemoryProvider is an in-process LockProvider. It serializes holders within
// one process only and is meant for single-instance deployments and tests.
//
// Supported modes: auto, write (exclusive), reentrant (per owner hold
// count), read (shared), fair (FIFO among waiters).
type MemoryProvider struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
	seq   uint64
}

type memoryLock struct {
	holders map[string]*memoryHolder
	// queue holds the tickets of waiting fair acquisitions, oldest first.
	queue  []uint64
	notify chan struct{}
}

type memoryHolder struct {
	owner     string
	shared    bool
	reentrant bool
	count     int
	expiresAt time.Time
}

type memoryHandle struct {
	key      string
	holderID string
	released atomic.Bool
}

func (h *memoryHandle) Key() string {
	return h.key
}

// NewMemoryProvider creates an in-process provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		locks: make(map[string]*memoryLock),
	}
}

// SupportsMode implements guard.ModeChecker.
func (p *MemoryProvider) SupportsMode(m guard.Mode) bool {
	return m != guard.ModeRedlock
}

// Acquire implements guard.LockProvider.
func (p *MemoryProvider) Acquire(ctx context.Context, req guard.AcquireRequest) (guard.Handle, bool, error) {
	if !p.SupportsMode(req.Mode) {
		return nil, false, unsupported("memory", req.Mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	owner := ownerFor(req)
	wait := !req.TryOnly && req.WaitTimeout > 0
	deadline := time.Now().Add(req.WaitTimeout)
	var ticket uint64

	for {
		p.mu.Lock()
		l := p.lockFor(req.Key)
		now := time.Now()
		if l.purge(now) {
			l.broadcast()
		}

		if id, ok := l.grant(req, owner, ticket, now); ok {
			if ticket != 0 {
				l.dequeue(ticket)
				l.broadcast()
			}
			p.mu.Unlock()
			return &memoryHandle{key: req.Key, holderID: id}, true, nil
		}

		if !wait || !now.Before(deadline) {
			p.abandonLocked(req.Key, l, ticket)
			p.mu.Unlock()
			return nil, false, nil
		}

		if req.Mode == guard.ModeFair && ticket == 0 {
			p.seq++
			ticket = p.seq
			l.queue = append(l.queue, ticket)
		}

		sleep := deadline.Sub(now)
		if exp := l.nextExpiry(); !exp.IsZero() && exp.Sub(now) < sleep {
			sleep = exp.Sub(now)
		}
		notify := l.notify
		p.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.mu.Lock()
			p.abandonLocked(req.Key, p.lockFor(req.Key), ticket)
			p.mu.Unlock()
			return nil, false, ctx.Err()
		case <-notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Release implements guard.LockProvider.
func (p *MemoryProvider) Release(_ context.Context, h guard.Handle) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return ErrForeignHandle
	}
	if !mh.released.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[mh.key]
	if !ok {
		return nil
	}
	holder, ok := l.holders[mh.holderID]
	if !ok {
		// Lease already expired.
		return nil
	}
	holder.count--
	if holder.count <= 0 {
		delete(l.holders, mh.holderID)
	}
	l.broadcast()
	p.gcLocked(mh.key, l)
	return nil
}

// Extend implements guard.Extender.
func (p *MemoryProvider) Extend(_ context.Context, h guard.Handle, lease time.Duration) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return ErrForeignHandle
	}
	if mh.released.Load() {
		return ErrLockNotHeld
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[mh.key]
	if !ok {
		return ErrLockNotHeld
	}
	now := time.Now()
	l.purge(now)
	holder, ok := l.holders[mh.holderID]
	if !ok {
		return ErrLockNotHeld
	}
	holder.expiresAt = expiry(now, lease)
	return nil
}

// Held reports whether key has at least one live holder.
func (p *MemoryProvider) Held(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		return false
	}
	l.purge(time.Now())
	return len(l.holders) > 0
}

// Len returns the number of keys with holders or waiters.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

// lockFor returns the state for key, creating it. Must be called with p.mu held.
func (p *MemoryProvider) lockFor(key string) *memoryLock {
	l, ok := p.locks[key]
	if !ok {
		l = &memoryLock{
			holders: make(map[string]*memoryHolder),
			notify:  make(chan struct{}),
		}
		p.locks[key] = l
	}
	return l
}

// abandonLocked drops a waiter's ticket and frees unused state.
func (p *MemoryProvider) abandonLocked(key string, l *memoryLock, ticket uint64) {
	if ticket != 0 {
		l.dequeue(ticket)
		l.broadcast()
	}
	p.gcLocked(key, l)
}

func (p *MemoryProvider) gcLocked(key string, l *memoryLock) {
	if len(l.holders) == 0 && len(l.queue) == 0 {
		delete(p.locks, key)
	}
}

// grant admits req if it does not conflict with the current holders.
func (l *memoryLock) grant(req guard.AcquireRequest, owner string, ticket uint64, now time.Time) (string, bool) {
	if req.Mode == guard.ModeReentrant {
		for id, h := range l.holders {
			if h.reentrant && h.owner == owner {
				h.count++
				h.expiresAt = expiry(now, req.LeaseDuration)
				return id, true
			}
		}
	}

	// Queued fair waiters go first.
	if len(l.queue) > 0 && l.queue[0] != ticket {
		return "", false
	}

	shared := req.Mode == guard.ModeRead
	for _, h := range l.holders {
		if !shared || !h.shared {
			return "", false
		}
	}

	id := uuid.NewString()
	l.holders[id] = &memoryHolder{
		owner:     owner,
		shared:    shared,
		reentrant: req.Mode == guard.ModeReentrant,
		count:     1,
		expiresAt: expiry(now, req.LeaseDuration),
	}
	return id, true
}

// purge drops expired holders and reports whether any were dropped.
func (l *memoryLock) purge(now time.Time) bool {
	purged := false
	for id, h := range l.holders {
		if !h.expiresAt.IsZero() && !now.Before(h.expiresAt) {
			delete(l.holders, id)
			purged = true
		}
	}
	return purged
}

func (l *memoryLock) nextExpiry() time.Time {
	var next time.Time
	for _, h := range l.holders {
		if h.expiresAt.IsZero() {
			continue
		}
		if next.IsZero() || h.expiresAt.Before(next) {
			next = h.expiresAt
		}
	}
	return next
}

func (l *memoryLock) dequeue(ticket uint64) {
	for i, t := range l.queue {
		if t == ticket {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// broadcast wakes every waiter on the lock.
func (l *memoryLock) broadcast() {
	close(l.notify)
	l.notify = make(chan struct{})
}

func expiry(now time.Time, lease time.Duration) time.Time {
	if lease <= 0 {
		return time.Time{}
	}
	return now.Add(lease)
}
