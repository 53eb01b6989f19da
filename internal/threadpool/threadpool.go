// Package threadpool is a fixed-size worker pool for block and 9p I/O jobs,
// grounded on kvmtool's util/threadpool.c: a job that is re-signaled while
// it is already running is re-run rather than dropped or queued twice.
package threadpool

import "sync"

// Job is one unit of work that may be re-signaled while running. Do not
// schedule the same *Job from more than one Pool.
type Job struct {
	mu      sync.Mutex
	pending int
	running bool

	callback func()
	pool     *Pool
}

// NewJob creates a Job bound to pool, running callback on each Schedule.
func NewJob(pool *Pool, callback func()) *Job {
	return &Job{callback: callback, pool: pool}
}

// Schedule signals the job. If it is idle, it is pushed onto the pool's
// queue; if it is already running or queued, the pending signal is folded
// in and re-runs the callback once the current run finishes, per
// thread_pool__do_job's signalcount coalescing.
func (j *Job) Schedule() {
	j.mu.Lock()
	fire := j.pending == 0
	j.pending++
	j.mu.Unlock()

	if fire {
		j.pool.enqueue(j)
	}
}

func (j *Job) run() {
	for {
		j.callback()

		j.mu.Lock()
		j.pending--
		again := j.pending > 0
		j.mu.Unlock()

		if !again {
			return
		}
	}
}

// Pool is a fixed set of worker goroutines draining a shared job queue.
type Pool struct {
	queue chan *Job
	wg    sync.WaitGroup
}

// New starts workerCount goroutines servicing jobs pushed via Job.Schedule.
func New(workerCount int) *Pool {
	p := &Pool{queue: make(chan *Job, 1024)}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()

			for job := range p.queue {
				job.run()
			}
		}()
	}

	return p
}

func (p *Pool) enqueue(j *Job) { p.queue <- j }

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}
