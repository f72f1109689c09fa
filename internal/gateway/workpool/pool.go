// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package workpool offloads CPU-bound challenge generation from the accept
// loop onto a bounded set of background goroutines, so accepting a new
// connection never waits on someone else's factorization math. Grounded
// on the teacher's Worker Start/Stop/WaitGroup/atomic-stopped background
// loop, repurposed here from commit batching to job dispatch.
package workpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Pool runs submitted jobs on a fixed number of background goroutines.
type Pool struct {
	jobs     chan func()
	wg       sync.WaitGroup
	stopped  uint32
	stopChan chan struct{}
}

// New starts a Pool with size worker goroutines. size must be positive.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		jobs:     make(chan func()),
		stopChan: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.runWorker()
	}
	return p
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job()
		case <-p.stopChan:
			return
		}
	}
}

// Submit enqueues job for execution on the next free worker. It returns an
// error instead of blocking forever if the pool has already been stopped.
func (p *Pool) Submit(job func()) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.stopChan:
		return fmt.Errorf("workpool: pool is stopped")
	}
}

// Stop signals every worker to exit and waits for them to drain. Safe to
// call once; subsequent calls are a no-op.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

// Do submits fn and returns a channel carrying its result, letting a
// caller (e.g. the accept loop issuing a challenge) await just that one
// computation without blocking on the whole pool.
func Do[T any](p *Pool, fn func() T) (<-chan T, error) {
	out := make(chan T, 1)
	err := p.Submit(func() {
		out <- fn()
	})
	if err != nil {
		close(out)
		return out, err
	}
	return out, nil
}
