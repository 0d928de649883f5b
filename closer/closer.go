// Package closer provides a background-goroutine shutdown pattern: a close
// signal channel plus a WaitGroup, rather than a bare context.Context.
// cf.Engine uses one Closer per background compaction goroutine.
package closer

import "sync"

// Closer coordinates shutdown of one or more background goroutines.
type Closer struct {
	waiting     sync.WaitGroup
	CloseSignal chan struct{}
}

// New returns a ready Closer.
func New() *Closer {
	return &Closer{CloseSignal: make(chan struct{})}
}

// Close signals every goroutine registered via Add and blocks until each
// calls Done.
func (c *Closer) Close() {
	close(c.CloseSignal)
	c.waiting.Wait()
}

// Done marks one registered goroutine as finished.
func (c *Closer) Done() {
	c.waiting.Done()
}

// Add registers n goroutines that must call Done before Close returns.
func (c *Closer) Add(n int) {
	c.waiting.Add(n)
}
