package stage

import "sync"

// Pool is the fixed worker pool that drives every stage mailbox on this
// server. Stages far outnumber workers; a stage occupies a worker only while
// its mailbox is non-empty.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts workers goroutines.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{tasks: make(chan func(), 1024)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit schedules task on a worker. Blocks only while the task backlog is
// full, which bounds memory under overload.
func (p *Pool) Submit(task func()) {
	defer func() {
		// Submitting during shutdown races with close(p.tasks); a stage
		// scheduling onto a closed pool is dropped with the recover.
		recover()
	}()
	p.tasks <- task
}

// Close stops the workers after the backlog drains.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
