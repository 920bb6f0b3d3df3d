package server

import (
	"context"
	"fmt"
	"sync"
)

// job is a unit of work to be executed on a pool goroutine.
type job struct {
	fn   func() (any, error)
	done chan jobResult
}

// jobResult holds the return value from a job.
type jobResult struct {
	value any
	err   error
}

// Pool runs jobs on a fixed number of goroutines. Each job builds its own
// interpreter, so workers share nothing and the pool only bounds how many
// programs execute at once.
type Pool struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool creates a pool and starts its workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job),
		quit: make(chan struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// loop processes jobs until the pool stops.
func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			j.done <- execute(j.fn)
		case <-p.quit:
			return
		}
	}
}

// execute runs a job, recovering from panics.
func execute(fn func() (any, error)) (result jobResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("job panicked: %v", r)
			result = jobResult{err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	v, err := fn()
	return jobResult{value: v, err: err}
}

// Do submits fn and blocks until it completes. It gives up waiting for a
// free worker when ctx is done; a job that has started always finishes.
func (p *Pool) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	j := job{fn: fn, done: make(chan jobResult, 1)}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, fmt.Errorf("pool stopped")
	}
	r := <-j.done
	return r.value, r.err
}

// Stop shuts down the workers and waits for running jobs to finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
