// Package resolver runs blocking lookups on a bounded worker pool and
// hands their results back to the reactor goroutine.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("resolver: pool closed")

// State is a job's position in its lifecycle.
type State int32

const (
	Ready State = iota
	Running
	Done
	Cancelled
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Job is a handle on one unit of background work. The work function runs
// on a worker; the finish function runs on the goroutine that calls
// Pool.Dispatch, and only if the job was not cancelled.
type Job struct {
	work   func(ctx context.Context) error
	finish func(*Job)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	err      error
	finished chan struct{}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the work function's error once the job has run.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Finished is closed once the work function has returned, or immediately
// when a job is cancelled before it started.
func (j *Job) Finished() <-chan struct{} {
	return j.finished
}

// Cancel stops the job. A ready job never runs. A running job has its
// context cancelled and Cancel waits for the work function to return. A
// job that already finished is marked cancelled so its finish function is
// never called. Cancel returns the state the job was in.
func (j *Job) Cancel() State {
	j.mu.Lock()
	prev := j.state
	switch prev {
	case Ready:
		j.state = Cancelled
		close(j.finished)
		j.cancel()
		j.mu.Unlock()
	case Running:
		j.state = Cancelled
		j.cancel()
		j.mu.Unlock()
		<-j.finished
	case Done:
		j.state = Cancelled
		j.cancel()
		j.mu.Unlock()
	default:
		j.mu.Unlock()
	}
	return prev
}

// Pool is a bounded set of workers. At most maxWorkers run at once, and a
// worker that finds no queued work exits when maxIdle workers are already
// idle.
type Pool struct {
	maxIdle int
	sem     *semaphore.Weighted

	mu      sync.Mutex
	queue   []*Job
	idle    int
	workers int
	closed  bool
	wake    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup

	doneMu    sync.Mutex
	completed []*Job
	ready     chan struct{}
}

// NewPool returns a pool with the given idle and total worker caps.
func NewPool(maxIdle, maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxIdle < 0 {
		maxIdle = 0
	}
	return &Pool{
		maxIdle: maxIdle,
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		wake:    make(chan struct{}, maxWorkers),
		quit:    make(chan struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// Submit queues work. finish may be nil.
func (p *Pool) Submit(work func(ctx context.Context) error, finish func(*Job)) (*Job, error) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		work:     work,
		finish:   finish,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		cancel()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, j)
	if p.idle > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return j, nil
	}
	// Without a free slot the job waits for a busy worker.
	if p.sem.TryAcquire(1) {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	return j, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.sem.Release(1)

	p.mu.Lock()
	for {
		for len(p.queue) == 0 {
			if p.closed || p.idle >= p.maxIdle {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.idle++
			p.mu.Unlock()
			select {
			case <-p.wake:
			case <-p.quit:
			}
			p.mu.Lock()
			p.idle--
		}
		j := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.execute(j)

		p.mu.Lock()
	}
}

func (p *Pool) execute(j *Job) {
	j.mu.Lock()
	if j.state != Ready {
		j.mu.Unlock()
		return
	}
	j.state = Running
	j.mu.Unlock()

	err := runSafely(j.ctx, j.work)

	j.mu.Lock()
	j.err = err
	deliver := j.state == Running
	if deliver {
		j.state = Done
	}
	close(j.finished)
	j.mu.Unlock()

	if deliver {
		p.doneMu.Lock()
		p.completed = append(p.completed, j)
		p.doneMu.Unlock()
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
}

func runSafely(ctx context.Context, work func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver: job panicked: %v", r)
		}
	}()
	return work(ctx)
}

// Ready receives a value whenever finished jobs are waiting for Dispatch.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Dispatch calls the finish function of every finished, uncancelled job.
// It must run on the goroutine that owns the state those functions touch.
func (p *Pool) Dispatch() int {
	p.doneMu.Lock()
	jobs := p.completed
	p.completed = nil
	p.doneMu.Unlock()

	n := 0
	for _, j := range jobs {
		if j.State() != Done {
			continue
		}
		j.cancel()
		if j.finish != nil {
			j.finish(j)
		}
		n++
	}
	return n
}

// Stats reports the current worker counts.
func (p *Pool) Stats() (workers, idle, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers, p.idle, len(p.queue)
}

// Close cancels queued jobs, waits for running ones and stops every
// worker.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	close(p.quit)
	p.mu.Unlock()

	for _, j := range queued {
		j.Cancel()
	}
	p.wg.Wait()
}
