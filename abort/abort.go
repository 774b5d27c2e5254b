// Package abort implements the cooperative cancellation
// signal shared by kernels, proxies and host threads.
package abort

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrAborted is returned by every loop that stops because
// the abort flag was observed.
var ErrAborted = errors.New("communicator aborted")

// A Flag is a one-shot broadcast signal.
//
// Any actor may set it, every long-running loop must poll
// it at its safe points. There is no way to clear a Flag:
// a communicator that was aborted must be rebuilt.
type Flag struct {
	set atomic.Uint32

	once   sync.Once
	reason string
	done   chan struct{}
	init   sync.Once
}

// NewFlag creates an unset flag.
func NewFlag() *Flag {
	f := &Flag{}
	f.lazyInit()
	return f
}

func (f *Flag) lazyInit() {
	f.init.Do(func() {
		f.done = make(chan struct{})
	})
}

// Set raises the flag.
// Only the first reason is kept.
func (f *Flag) Set(reason string) {
	f.lazyInit()
	f.once.Do(func() {
		f.reason = reason
		f.set.Store(1)
		close(f.done)
	})
}

// IsSet polls the flag.
//
// This is the fast-path check: a single atomic load.
func (f *Flag) IsSet() bool {
	return f.set.Load() != 0
}

// Err returns nil if the flag is unset, or an error wrapping
// ErrAborted with the abort reason.
func (f *Flag) Err() error {
	if !f.IsSet() {
		return nil
	}
	<-f.Done()
	if f.reason == "" {
		return ErrAborted
	}
	return errors.WithMessage(ErrAborted, f.reason)
}

// Done returns a channel that is closed once the flag is
// set, for host-side code that can block instead of spin.
func (f *Flag) Done() <-chan struct{} {
	f.lazyInit()
	return f.done
}
