package engine

import (
	"context"
	"sync"
)

// JobHandler runs one job on a worker.
type JobHandler func(context.Context, *TransferJob) error

// WorkerPool runs queued jobs in submission order. The queue is unbounded;
// the number of workers is the concurrency limit and can change while jobs
// are running.
//
// Shrinking never interrupts a job: surplus workers retire the next time
// they look for work.
type WorkerPool struct {
	handler JobHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	wake    *sync.Cond
	queue   []*TransferJob
	size    int // wanted workers
	live    int // worker goroutines still looping
	busy    int
	stopped bool
}

// NewWorkerPool returns a pool with no workers; nothing runs until Resize.
// Cancelling ctx stops the pool like Stop, without waiting.
func NewWorkerPool(ctx context.Context, handler JobHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{handler: handler, ctx: ctx, cancel: cancel}
	p.wake = sync.NewCond(&p.mu)
	context.AfterFunc(ctx, p.halt)
	return p
}

// Submit appends job to the queue. It never blocks.
func (p *WorkerPool) Submit(job *TransferJob) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.wake.Signal()
}

// CancelAll empties the queue and returns the jobs that never started.
func (p *WorkerPool) CancelAll() []*TransferJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := p.queue
	p.queue = nil
	return dropped
}

// Pending returns the number of queued jobs.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Running returns the number of jobs inside the handler.
func (p *WorkerPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Resize sets the number of workers. New workers start at once; extra ones
// exit after their current job.
func (p *WorkerPool) Resize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.size = n
	for ; p.live < n; p.live++ {
		p.wg.Add(1)
		go p.work()
	}
	// Idle workers re-check the size.
	p.wake.Broadcast()
}

// Size returns the wanted number of workers.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		job := p.take()
		if job == nil {
			return
		}
		_ = p.handler(p.ctx, job)

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

// take blocks until a job is available, or returns nil when the calling
// worker should exit.
func (p *WorkerPool) take() *TransferJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopped || p.live > p.size {
			p.live--
			// Hand any wake-up this worker consumed to one that stays.
			p.wake.Signal()
			return nil
		}
		if len(p.queue) > 0 {
			job := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.busy++
			return job
		}
		p.wake.Wait()
	}
}

func (p *WorkerPool) halt() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wake.Broadcast()
}

// Stop cancels running jobs and waits for every worker to exit. Running
// jobs see their context cancelled and stop at the next chunk.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.halt()
	p.wg.Wait()
}
