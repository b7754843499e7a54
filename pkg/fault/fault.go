// Package fault provides injection points for exercising the transfer
// pipeline's failure handling. Production runs pass None; tests pass an
// Injector that returns scripted errors.
package fault

// Injector is consulted at the named points of each object transfer. A
// non-nil return is handled exactly like a failure of the operation that
// follows the hook.
type Injector interface {
	// BeforeTransfer runs before the source object is opened.
	BeforeTransfer(key string) error
	// BeforePut runs after the transfer decision, immediately before bytes
	// are written to the target.
	BeforePut(key string) error
}

// None performs no injection.
var None Injector = noop{}

type noop struct{}

func (noop) BeforeTransfer(string) error { return nil }
func (noop) BeforePut(string) error      { return nil }

// Hooks adapts plain functions to Injector. Nil fields inject nothing.
type Hooks struct {
	Transfer func(key string) error
	Put      func(key string) error
}

func (h Hooks) BeforeTransfer(key string) error {
	if h.Transfer == nil {
		return nil
	}
	return h.Transfer(key)
}

func (h Hooks) BeforePut(key string) error {
	if h.Put == nil {
		return nil
	}
	return h.Put(key)
}
