// Copyright 2025 The Fix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fixcache implements the concurrent memo table and dependency
// tracker at the heart of the runtime.
//
// Every Task that is ever started gets a row that moves monotonically from
// absent, to queued (no result yet), to completed (result Handle). A
// reverse dependency index records, for each Task, which Tasks are waiting
// on it; a per-Task blocked counter records how many outstanding
// dependencies a Task has. Completing a Task decrements the counters of its
// dependers and re-enqueues any whose counter reaches zero, which is the
// only way a suspended Task resumes.
//
// DEPENDENCY INDEX
//
// Multiple depender edges sharing one dependee are distinguished by a dense
// positive index assigned by linear scan at insertion time. Completion
// iterates edges by increasing index and stops at the first gap; the gap
// marks the end. This keeps the table flat, with no second-level container,
// at the cost of the linear scan on insert.
//
// All operations are serialized under a single reader/writer lock;
// read-only operations take it shared. Blocked counters are atomics so
// that increments can ride the shared lock.
package fixcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/task"
)

// maxCycleDepth bounds the depth of the cycle walk performed before a
// dependency edge is inserted. Content addressing makes object cycles
// unrepresentable, so task cycles can only arise from evaluator bugs; the
// check is a guard, not a load-bearing mechanism.
const maxCycleDepth = 128

// An EnqueueFunc schedules a Task to be run. The cache invokes it for every
// Task that becomes ready; calling Cache when a Task finishes is required
// for liveness. Enqueue functions are called with the cache lock held and
// must not block or re-enter the cache.
type EnqueueFunc func(task.Task)

type depKey struct {
	dependee task.Task
	index    int
}

type result struct {
	h  handle.Handle
	ok bool
}

// A Cache is the memo table plus dependency tracker. The zero Cache is not
// usable; use New.
type Cache struct {
	mu      sync.RWMutex
	results map[task.Task]result
	deps    map[depKey]task.Task
	blocked map[task.Task]*atomic.Int64

	// done is closed and replaced on every completion, waking blocking
	// waiters. Guarded by mu.
	done chan struct{}
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		results: make(map[task.Task]result),
		deps:    make(map[depKey]task.Task),
		blocked: make(map[task.Task]*atomic.Int64),
		done:    make(chan struct{}),
	}
}

// Get returns the cached result of t, if completed.
func (c *Cache) Get(t task.Task) (handle.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.results[t]
	return r.h, r.ok
}

// Start inserts t as queued and enqueues it, unless t already has a row.
// A second Start on the same Task is a no-op.
func (c *Cache) Start(t task.Task, enqueue EnqueueFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTaskLocked(t, enqueue)
}

// addTaskLocked inserts and enqueues t if absent, initializing its result
// to none and its blocked counter to zero. Reports whether t was inserted.
func (c *Cache) addTaskLocked(t task.Task, enqueue EnqueueFunc) bool {
	if _, ok := c.results[t]; ok {
		return false
	}
	c.results[t] = result{}
	c.blocked[t] = new(atomic.Int64)
	enqueue(t)
	return true
}

// GetOrAddDependency atomically starts dependee and either returns its
// completed result or records that depender is waiting on it, incrementing
// depender's blocked counter. The boolean reports whether a result was
// returned; when it is false, depender must suspend and will be re-enqueued
// once its blocked counter returns to zero.
func (c *Cache) GetOrAddDependency(dependee, depender task.Task, enqueue EnqueueFunc) (handle.Handle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTaskLocked(dependee, enqueue)
	if r := c.results[dependee]; r.ok {
		return r.h, true, nil
	}
	if err := c.insertDependencyLocked(dependee, depender); err != nil {
		return handle.Handle{}, false, err
	}
	c.counterLocked(depender).Add(1)
	return handle.Handle{}, false, nil
}

// AddDependencyOrDecrement is the counterpart of GetOrAddDependency for
// dependers that incremented their blocked counter speculatively, before
// discovering their dependencies. It starts dependee if needed; if dependee
// has already completed it decrements depender's counter, otherwise it
// records the edge and leaves the counter alone. Either way it returns the
// counter's current value, so a caller observing zero after its last
// dependency knows to proceed synchronously.
func (c *Cache) AddDependencyOrDecrement(dependee, depender task.Task, enqueue EnqueueFunc) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addTaskLocked(dependee, enqueue)
	if r := c.results[dependee]; r.ok {
		return c.counterLocked(depender).Add(-1), nil
	}
	if err := c.insertDependencyLocked(dependee, depender); err != nil {
		return 0, err
	}
	return c.counterLocked(depender).Load(), nil
}

// IncrementBlocking adds n to t's blocked counter. The counter is atomic,
// so the table lock is only taken shared.
func (c *Cache) IncrementBlocking(t task.Task, n int64) {
	c.mu.RLock()
	ctr, ok := c.blocked[t]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		ctr = c.counterLocked(t)
		c.mu.Unlock()
	}
	ctr.Add(n)
}

// Cache stores the result of t and unblocks its dependers: each depender's
// counter is decremented, and any that reach zero are re-enqueued. It fails
// with ErrDoubleCache if t already has a result and with ErrStillBlocked if
// t's own counter has not reached zero.
func (c *Cache) Cache(t task.Task, h handle.Handle, enqueue EnqueueFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, started := c.results[t]
	if !started {
		return errors.Newf("cache of unstarted task %v", t)
	}
	if r.ok {
		return errors.Newf("%v: %w", t, errors.ErrDoubleCache)
	}
	if n := c.counterLocked(t).Load(); n != 0 {
		return errors.Newf("%v blocked on %d dependencies: %w", t, n, errors.ErrStillBlocked)
	}
	c.results[t] = result{h: h, ok: true}
	close(c.done)
	c.done = make(chan struct{})
	c.unblockLocked(t, enqueue)
	return nil
}

// unblockLocked walks t's depender edges by increasing index until the
// first gap, decrementing each depender's counter and enqueuing those that
// reach zero.
func (c *Cache) unblockLocked(t task.Task, enqueue EnqueueFunc) {
	for i := 1; ; i++ {
		depender, ok := c.deps[depKey{dependee: t, index: i}]
		if !ok {
			break
		}
		if c.counterLocked(depender).Add(-1) == 0 {
			enqueue(depender)
		}
	}
}

// GetBlocking waits until t completes and returns its result. It is meant
// for external callers awaiting a root result; the evaluator itself never
// blocks a worker here. A Context deadline or cancellation surfaces
// ErrTimeout; timing out never invalidates a cached result.
func (c *Cache) GetBlocking(ctx context.Context, t task.Task) (handle.Handle, error) {
	for {
		c.mu.RLock()
		r := c.results[t]
		done := c.done
		c.mu.RUnlock()
		if r.ok {
			return r.h, nil
		}
		select {
		case <-ctx.Done():
			return handle.Handle{}, errors.Newf("awaiting %v: %w", t, errors.ErrTimeout)
		case <-done:
		}
	}
}

// Done returns a channel that is closed at the next completion, whichever
// Task it is. Callers re-fetch after every wakeup.
func (c *Cache) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Dependers returns the Tasks currently recorded as waiting on t, in index
// order. The result is a snapshot.
func (c *Cache) Dependers(t task.Task) []task.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []task.Task
	for i := 1; ; i++ {
		depender, ok := c.deps[depKey{dependee: t, index: i}]
		if !ok {
			break
		}
		out = append(out, depender)
	}
	return out
}

// BlockedCount reports t's outstanding-dependency count.
func (c *Cache) BlockedCount(t task.Task) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctr, ok := c.blocked[t]
	if !ok {
		return 0
	}
	return ctr.Load()
}

// counterLocked returns t's blocked counter, creating it if needed.
func (c *Cache) counterLocked(t task.Task) *atomic.Int64 {
	ctr, ok := c.blocked[t]
	if !ok {
		ctr = new(atomic.Int64)
		c.blocked[t] = ctr
	}
	return ctr
}

// insertDependencyLocked records that depender waits on dependee, choosing
// the first free index by linear scan. Self-edges and edges that would
// close a cycle are rejected before any counter moves.
func (c *Cache) insertDependencyLocked(dependee, depender task.Task) error {
	if dependee == depender {
		return errors.Newf("%v: %w", dependee, errors.ErrSelfDependency)
	}
	if c.reachesLocked(depender, dependee, maxCycleDepth) {
		return &errors.Cycle{Dependee: dependee, Depender: depender}
	}
	for i := 1; ; i++ {
		key := depKey{dependee: dependee, index: i}
		if _, ok := c.deps[key]; !ok {
			c.deps[key] = depender
			return nil
		}
	}
}

// reachesLocked reports whether target is reachable from t by following
// depender edges, to a bounded depth. An edge dependee->depender means
// depender waits on dependee, so reaching target from depender means target
// transitively waits on depender.
func (c *Cache) reachesLocked(t, target task.Task, depth int) bool {
	if depth == 0 {
		return false
	}
	for i := 1; ; i++ {
		depender, ok := c.deps[depKey{dependee: t, index: i}]
		if !ok {
			return false
		}
		if depender == target || c.reachesLocked(depender, target, depth-1) {
			return true
		}
	}
}
