package azauth

import "sync"

// Completion is a single-resolution signal that lets a waiter observe the
// outcome of an interactive login flow. It is resolved with success or
// rejected with an error exactly once; later calls are no-ops. All methods
// are nil-safe so optional completions need no guarding at call sites.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion returns an unresolved completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve marks the completion successful.
func (c *Completion) Resolve() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		close(c.done)
	})
}

// Reject marks the completion failed with err.
func (c *Completion) Reject(err error) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done returns a channel closed once the completion is resolved or rejected.
func (c *Completion) Done() <-chan struct{} {
	if c == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Err returns the rejection error, if any. Only meaningful after Done is
// closed.
func (c *Completion) Err() error {
	if c == nil {
		return nil
	}
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
