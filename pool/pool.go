package pool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"AsyncDetServer/logger"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrTaskCancelled resolves handles for queued work discarded by a
	// non-draining shutdown.
	ErrTaskCancelled = errors.New("task cancelled before execution")
)

// Task is a unit of work executed on one of the pool's workers.
type Task func() (any, error)

// Handle is an awaitable reference to a submitted task.
type Handle struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the task completes and returns its result or error.
// It is safe to call Wait from multiple goroutines.
func (h *Handle) Wait() (any, error) {
	<-h.done
	return h.value, h.err
}

// Done exposes the completion channel so callers can select on it
// together with their own deadlines.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) complete(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

// NewHandle returns a detached handle resolved through Complete rather
// than by a pool worker. Composite operations assembled from several
// pool tasks use it to expose a single awaitable result.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Complete resolves a detached handle. It must be called exactly once.
func (h *Handle) Complete(value any, err error) {
	h.complete(value, err)
}

type job struct {
	run    Task
	handle *Handle
}

// BoundedWorkerPool runs submitted tasks on a fixed set of workers
// servicing a FIFO queue. Submission enqueues without blocking; at most
// Size tasks execute concurrently.
type BoundedWorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	closed bool
	active int
	size   int
	wg     sync.WaitGroup
}

// NewBoundedWorkerPool creates a pool with exactly size workers.
// size < 1 is a construction error, not a clamp.
func NewBoundedWorkerPool(size int) (*BoundedWorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	p := &BoundedWorkerPool{size: size}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.runWorker(i)
	}
	return p, nil
}

// Size returns the fixed worker count.
func (p *BoundedWorkerPool) Size() int {
	return p.size
}

// Active returns the number of tasks currently executing.
func (p *BoundedWorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Queued returns the number of tasks waiting for a worker.
func (p *BoundedWorkerPool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Submit enqueues a task and returns a handle for its eventual result.
// It fails fast with ErrPoolClosed after shutdown and never drops work
// while the pool is open.
func (p *BoundedWorkerPool) Submit(task Task) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("task must not be nil")
	}
	h := &Handle{done: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, &job{run: task, handle: h})
	p.cond.Signal()
	p.mu.Unlock()
	return h, nil
}

// SubmitAndWait submits a task and blocks the caller until it completes.
func (p *BoundedWorkerPool) SubmitAndWait(task Task) (any, error) {
	h, err := p.Submit(task)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Shutdown closes the pool. With drain=true it waits for every queued and
// in-flight task; with drain=false queued tasks are resolved with
// ErrTaskCancelled and only in-flight tasks are waited for. Running work
// is never interrupted. Shutdown is idempotent.
func (p *BoundedWorkerPool) Shutdown(drain bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	if !drain {
		for _, jb := range p.queue {
			jb.handle.complete(nil, ErrTaskCancelled)
		}
		p.queue = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *BoundedWorkerPool) runWorker(id int) {
	defer p.wg.Done()
	// Detection backends may hold thread-affine native state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.S().Debugf("pool worker %d started", id)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		jb := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		value, err := p.execute(id, jb.run)
		jb.handle.complete(value, err)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *BoundedWorkerPool) execute(id int, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.S().Errorf("pool worker %d recovered panic: %v", id, r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task()
}
