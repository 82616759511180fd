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

// Package runtime ties the store, the memo cache, the sandbox, and a worker
// pool into the evaluation engine.
//
// A client submits a root Task; workers pop ready Tasks from a FIFO queue
// and run one evaluator step each. A step either completes its Task,
// caching the result, or discovers dependencies, records them, and returns
// without caching; the cache re-enqueues the Task when its last dependency
// lands. Workers therefore never block on other Tasks, and no lock is held
// across sandbox execution.
//
// There is no process-wide instance: a Runtime is an explicit context
// object, and everything it owns is reachable only through it.
package runtime

import (
	"context"
	gort "runtime"
	"sync"

	"github.com/Tweoss/fix/errors"
	"github.com/Tweoss/fix/fixcache"
	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/sandbox"
	"github.com/Tweoss/fix/storage"
	"github.com/Tweoss/fix/task"
)

// A Config parameterizes a Runtime. The zero Config is usable: it runs one
// worker per CPU with only the builtin interpreter.
type Config struct {
	// Workers is the size of the worker pool. Zero means NumCPU.
	Workers int

	// Interpreters are tried in order against program Blobs. Nil means
	// the builtin interpreter alone.
	Interpreters []sandbox.Interpreter

	// Process sizes the per-application sandbox resources.
	Process sandbox.ProcessConfig

	// Debug enables evaluation tracing through Logf.
	Debug bool

	// Logf receives trace output when Debug is set. Nil means the log
	// package's default printer.
	Logf func(format string, args ...interface{})
}

// A Runtime owns one evaluation engine: store, cache, sandbox, queue, and
// workers. Create one with New and release it with Close.
type Runtime struct {
	store *storage.Store
	cache *fixcache.Cache
	sb    *sandbox.Sandbox
	queue *workQueue
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// failed records Tasks whose evaluation trapped or errored. The memo
	// cache never records failures, so a retry with different inputs is
	// unaffected; this table exists to propagate the error to waiting
	// dependers and root callers instead of leaving them blocked.
	failMu sync.Mutex
	failed map[task.Task]error
	failCh chan struct{}
}

// New returns a running Runtime over the given store.
func New(store *storage.Store, cfg Config) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = gort.NumCPU()
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = []sandbox.Interpreter{sandbox.NewBuiltins()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		store:  store,
		cache:  fixcache.New(),
		sb:     sandbox.New(store, cfg.Interpreters...),
		queue:  newWorkQueue(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		failed: make(map[task.Task]error),
		failCh: make(chan struct{}),
	}
	r.sb.SetProcessConfig(cfg.Process)
	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}
	return r
}

// Store returns the runtime's object store.
func (r *Runtime) Store() *storage.Store { return r.store }

// Cache returns the runtime's memo cache.
func (r *Runtime) Cache() *fixcache.Cache { return r.cache }

// Close stops the workers. Cached results remain readable.
func (r *Runtime) Close() {
	r.once.Do(func() {
		close(r.quit)
		r.cancel()
	})
	r.wg.Wait()
}

// enqueue is the closure the cache re-enqueues ready Tasks through. It is
// called with the cache lock held and must not block.
func (r *Runtime) enqueue(t task.Task) {
	r.queue.push(t)
}

// Eval starts the root Task that reduces n to a Value and returns it.
// Starting is idempotent.
func (r *Runtime) Eval(n handle.Handle) task.Task {
	t := task.MakeEval(n)
	r.cache.Start(t, r.enqueue)
	return t
}

// Fill starts the root Task that makes n's transitive contents resolvable.
// Starting is idempotent.
func (r *Runtime) Fill(n handle.Handle) task.Task {
	t := task.MakeFill(n)
	r.cache.Start(t, r.enqueue)
	return t
}

// EvalBlocking starts Eval(n) and waits for its result. The Context bounds
// the wait: expiry surfaces ErrTimeout without invalidating anything. A
// failure anywhere in n's dependency graph surfaces here as the original
// error, an ExecutionTrap for sandbox traps.
func (r *Runtime) EvalBlocking(ctx context.Context, n handle.Handle) (handle.Handle, error) {
	return r.Await(ctx, r.Eval(n))
}

// Await waits for a previously started root Task. It is the only blocking
// wait in the system; workers never use it.
func (r *Runtime) Await(ctx context.Context, t task.Task) (handle.Handle, error) {
	for {
		if h, ok := r.cache.Get(t); ok {
			return h, nil
		}
		if err := r.failureOf(t); err != nil {
			return handle.Handle{}, err
		}
		done := r.cache.Done()
		fail := r.failWatch()
		// Re-check after fetching the broadcast channels: a completion
		// between the check and the fetch would otherwise be missed.
		if h, ok := r.cache.Get(t); ok {
			return h, nil
		}
		if err := r.failureOf(t); err != nil {
			return handle.Handle{}, err
		}
		select {
		case <-ctx.Done():
			return handle.Handle{}, errors.Newf("awaiting %v: %w", t, errors.ErrTimeout)
		case <-done:
		case <-fail:
		}
	}
}

func (r *Runtime) worker() {
	defer r.wg.Done()
	for {
		t, ok := r.queue.pop(r.quit)
		if !ok {
			return
		}
		r.step(t)
	}
}

// step runs one evaluator dispatch for t. Any error fails t and its
// transitive dependers.
func (r *Runtime) step(t task.Task) {
	if r.failureOf(t) != nil {
		return
	}
	var err error
	switch t.Op {
	case task.Eval:
		err = r.stepEval(t)
	case task.Apply:
		err = r.stepApply(t)
	case task.Fill:
		err = r.stepFill(t)
	default:
		err = errors.Newf("invalid op in %v", t)
	}
	if err != nil {
		r.fail(t, err)
	}
}

// failureOf returns the recorded failure of t, if any.
func (r *Runtime) failureOf(t task.Task) error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failed[t]
}

func (r *Runtime) failWatch() <-chan struct{} {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failCh
}

// fail records err for t, wakes waiters, and propagates to every Task
// currently waiting on t. Nothing is written to the memo cache.
func (r *Runtime) fail(t task.Task, err error) {
	r.failMu.Lock()
	if _, ok := r.failed[t]; ok {
		r.failMu.Unlock()
		return
	}
	r.failed[t] = err
	close(r.failCh)
	r.failCh = make(chan struct{})
	r.failMu.Unlock()
	r.logf("task %v failed: %v", t, err)
	for _, d := range r.cache.Dependers(t) {
		r.fail(d, err)
	}
}

// dep records that depender needs dependee, returning dependee's result if
// it is already available. A false second return means depender must
// suspend. Dependees that already failed fail the depender immediately.
func (r *Runtime) dep(dependee, depender task.Task) (handle.Handle, bool, error) {
	if err := r.failureOf(dependee); err != nil {
		return handle.Handle{}, false, err
	}
	h, ok, err := r.cache.GetOrAddDependency(dependee, depender, r.enqueue)
	if err != nil {
		return handle.Handle{}, false, err
	}
	if !ok {
		// The dependee may have failed between the check above and the
		// edge insertion; the failure walk may have missed the new edge.
		if err := r.failureOf(dependee); err != nil {
			return handle.Handle{}, false, err
		}
	}
	return h, ok, nil
}
