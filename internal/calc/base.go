package calc

import (
	"runtime"
	"sync"
)

// PipeLine represents a compute pipeline: a ring of batch slots filled by a
// loader goroutine and drained by the caller, plus a pool of workers for the
// per-batch kernels.
type PipeLine struct {
	numQueueSize int
	numPoper     int
	jobQueue     chan int
	freeSlots    chan int
	closeOnce    sync.Once
}

// Init returns a compute PipeLine with numQueueSize ring slots and numPoper
// kernel workers. numPoper < 1 uses every core.
func Init(numQueueSize int, numPoper int) *PipeLine {
	if numQueueSize < 1 {
		numQueueSize = 1
	}
	if numPoper < 1 {
		numPoper = runtime.NumCPU()
	}

	pl := PipeLine{
		numQueueSize: numQueueSize,
		numPoper:     numPoper,
		jobQueue:     make(chan int, numQueueSize),
		freeSlots:    make(chan int, numQueueSize),
	}

	for i := 0; i < numQueueSize; i++ {
		pl.freeSlots <- i
	}

	return &pl
}

// GetNP returns the number of kernel workers
func (p *PipeLine) GetNP() int {
	return p.numPoper
}

// Malloc claims a buffer element in ring buffer, blocking until one is free
func (p *PipeLine) Malloc() int {
	return <-p.freeSlots
}

// Push pushes a filled slot into the job queue
func (p *PipeLine) Push(jobID int) {
	p.jobQueue <- jobID
}

// Pop pops the next filled slot. ok is false once the producer closed the
// queue and every slot was drained.
func (p *PipeLine) Pop() (int, bool) {
	jobID, ok := <-p.jobQueue
	return jobID, ok
}

// Free frees slot from ring buffer
func (p *PipeLine) Free(i int) {
	p.freeSlots <- i
}

// Close marks the end of production
func (p *PipeLine) Close() {
	p.closeOnce.Do(func() {
		close(p.jobQueue)
	})
}

/*
	Workflow:

	Malloc -> Push -> Pop -> Free
*/

func fan(work func(int), order <-chan int, wg *sync.WaitGroup) {
	for {
		index, ok := <-order
		if ok {
			work(index)
			wg.Done()
		} else {
			break
		}
	}

	return
}

// Fan runs work(i) for every i in [0, n) on the worker pool and waits
func (p *PipeLine) Fan(n int, work func(index int)) {
	if n <= 0 {
		return
	}

	order := make(chan int, p.numPoper)
	var wg sync.WaitGroup

	wg.Add(n)

	for i := 0; i < p.numPoper && i < n; i++ {
		go fan(work, order, &wg)
	}

	for i := 0; i < n; i++ {
		order <- i
	}

	wg.Wait()
	close(order)
	return
}

// span is a half-open index range.
type span struct {
	start int
	end   int
}

// split cuts [0, n) into at most parts contiguous ranges of near equal size.
func split(n, parts int) []span {
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	out := make([]span, 0, parts)
	for i := 0; i < parts; i++ {
		out = append(out, span{start: i * n / parts, end: (i + 1) * n / parts})
	}
	return out
}

// FanRanges splits [0, n) into one range per worker and runs work on each.
func (p *PipeLine) FanRanges(n int, work func(start, end int)) {
	ranges := split(n, p.numPoper)
	p.Fan(len(ranges), func(i int) {
		work(ranges[i].start, ranges[i].end)
	})
}
