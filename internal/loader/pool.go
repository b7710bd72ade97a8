// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
)

// Exit is the completion event of one worker.
type Exit struct {
	Instance string
	Err      error
}

// WorkerPool runs one goroutine per started plugin instance and reports
// their completions in the order they happen.
//
// Every Spawn must happen before the first wait. WaitFirstExit and
// WaitAllExit consume completion events and must not be called
// concurrently with each other.
type WorkerPool struct {
	logger *slog.Logger
	events *queue.Queue
	wg     sync.WaitGroup

	mu       sync.Mutex
	spawned  int
	running  int
	observed int
	firstErr error
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool(logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		logger: logger,
		events: queue.New(8),
	}
}

// Spawn starts fn on a new goroutine. Its return value is queued as the
// worker's completion event once fn returns.
func (p *WorkerPool) Spawn(instance string, fn func() error) {
	p.mu.Lock()
	p.spawned++
	p.running++
	p.mu.Unlock()

	p.wg.Add(1)
	workersRunning.Inc()
	go func() {
		defer p.wg.Done()
		defer workersRunning.Dec()

		err := fn()
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
		if putErr := p.events.Put(Exit{Instance: instance, Err: err}); putErr != nil {
			p.logger.Error("failed to queue worker exit",
				"plugin", instance,
				"error", putErr)
		}
	}()
}

// Spawned returns the number of workers started so far.
func (p *WorkerPool) Spawned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawned
}

// Running returns the number of workers whose fn has not returned yet.
func (p *WorkerPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WaitFirstExit blocks until one completion event is observed or every
// spawned worker's completion has already been observed. allDone reports
// whether every worker has now completed.
func (p *WorkerPool) WaitFirstExit() (exit Exit, allDone bool) {
	if p.allObserved() {
		return Exit{}, true
	}
	exit, ok := p.next()
	if !ok {
		return Exit{}, true
	}
	return exit, p.allObserved()
}

// WaitAllExit blocks until every spawned worker has completed and returns the
// first error observed across all completions. Later errors are logged.
func (p *WorkerPool) WaitAllExit() error {
	for !p.allObserved() {
		if _, ok := p.next(); !ok {
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

// JoinAll blocks until every worker goroutine has returned.
func (p *WorkerPool) JoinAll() {
	p.wg.Wait()
}

func (p *WorkerPool) allObserved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observed >= p.spawned
}

// next takes one completion event off the queue. It returns false only if the
// queue was disposed.
func (p *WorkerPool) next() (Exit, bool) {
	items, err := p.events.Get(1)
	if err != nil || len(items) == 0 {
		return Exit{}, false
	}
	exit, _ := items[0].(Exit)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.observed++
	if exit.Err != nil {
		if p.firstErr == nil {
			p.firstErr = exit.Err
		} else {
			p.logger.Warn("discarding subsequent worker error",
				"plugin", exit.Instance,
				"error", exit.Err)
		}
	}
	return exit, true
}
