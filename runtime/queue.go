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

package runtime

import (
	"sync"

	"github.com/Tweoss/fix/task"
)

// A workQueue is the FIFO the worker pool draws from. Pushes never block;
// they are issued from inside the cache lock. No priority and no stealing:
// the only guarantee needed is that every pushed Task is eventually popped.
type workQueue struct {
	mu    sync.Mutex
	items []task.Task

	// wake holds at most one token; poppers re-check the queue after
	// consuming it and re-arm it while items remain.
	wake chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{wake: make(chan struct{}, 1)}
}

func (q *workQueue) push(t task.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.arm()
}

func (q *workQueue) arm() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the next Task, blocking until one is available or quit is
// closed.
func (q *workQueue) pop(quit <-chan struct{}) (task.Task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			rest := len(q.items)
			q.mu.Unlock()
			if rest > 0 {
				q.arm()
			}
			return t, true
		}
		q.mu.Unlock()
		select {
		case <-quit:
			return task.Task{}, false
		case <-q.wake:
		}
	}
}
