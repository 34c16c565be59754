package worker

import (
	"errors"
	"sync"
)

// WorkerPool owns a set of workers and the WaitGroup tracking their
// goroutines. Workers must be pushed before Start; the pool cannot be
// resized once running.
type WorkerPool struct {
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers currently inside the WorkerPool
// and creates a goroutine for each. Start does NOT block, however
// consumers can wait on the WaitGroup in the pool if they wish.
func (pool *WorkerPool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(wg *sync.WaitGroup, w Worker) {
			defer wg.Done()
			w.Start()
		}(&pool.Wg, worker)
	}

	return nil
}

func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers will search for sleeping workers in the pool and will
// send on their WakeupChan to resume their task loops.
func (pool *WorkerPool) WakeupWorkers() error {
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() == Sleeping {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Size returns the number of workers pushed to this pool.
func (pool *WorkerPool) Size() int { return len(pool.workers) }

// Close will cycle through all the workers inside this worker pool and
// close their wakeup channels, then wait for the goroutines to finish.
func (pool *WorkerPool) Close() {
	if !pool.started {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.Wg.Wait()
	pool.started = false
}
