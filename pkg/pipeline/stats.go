package pipeline

import (
	"sync"

	"github.com/objsync/objsync/pkg/types"
)

// statsCollector aggregates per-object statistics into a Report. Send never
// blocks: records queue without bound and a single consumer goroutine
// drains them. Stopping the consumer early only stops accounting, it never
// stalls the stages that keep sending.
type statsCollector struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []types.SyncStatistics
	closed bool

	report types.Report
	done   chan struct{}
}

func newStatsCollector() *statsCollector {
	c := &statsCollector{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

func (c *statsCollector) Send(s types.SyncStatistics) {
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, s)
	}
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *statsCollector) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		batch := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, s := range batch {
			c.report.Apply(s)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

// Close stops intake and waits for the queued records to be folded in.
func (c *statsCollector) Close() types.Report {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Signal()
	<-c.done
	return c.report
}
