package worker

import (
	"context"
	"sync"
)

// Pool fans queue work out to a fixed set of workers.
type Pool struct {
	workers []*Worker
}

// NewPool creates a Pool over the given workers.
func NewPool(workers []*Worker) *Pool {
	return &Pool{workers: workers}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Size reports the number of workers in the pool.
func (p *Pool) Size() int {
	return len(p.workers)
}
