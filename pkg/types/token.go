package types

import "sync"

// CancelToken is a cooperative, monotonic cancellation flag shared by every
// pipeline stage. The first Cancel wins; once set the token never clears.
// Stages poll Cancelled between items and select on Done around blocking
// calls.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Idempotent and safe for concurrent use.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when the token is set.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// Cancelled reports whether the token has been set.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
