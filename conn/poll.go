package conn

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
)

// ErrTransportFault is returned when a condition is not met
// within a PollPolicy's MaxPolls budget, e.g. a line that
// never reaches its expected flag.
// Retrying or escalating is up to the transport.
var ErrTransportFault = errors.New("transport fault: poll budget exhausted")

// A PollPolicy controls how a spinning context waits for a
// condition on shared state.
//
// Polling first spins, then yields the processor, then
// sleeps between polls. The abort flag is checked every
// AbortEvery polls, which bounds how long an aborted run
// keeps spinning.
type PollPolicy struct {
	SpinBudget  int           `yaml:"spin_budget"`
	YieldBudget int           `yaml:"yield_budget"`
	IdleSleep   time.Duration `yaml:"idle_sleep"`
	AbortEvery  int           `yaml:"abort_every"`

	// MaxPolls is the number of polls after which the wait
	// fails with ErrTransportFault. Zero means unbounded.
	MaxPolls int `yaml:"max_polls"`
}

// DefaultPollPolicy is used when no policy is configured.
var DefaultPollPolicy = PollPolicy{
	SpinBudget:  64,
	YieldBudget: 512,
	IdleSleep:   20 * time.Microsecond,
	AbortEvery:  16,
}

// Validate checks the policy for nonsensical values.
func (p PollPolicy) Validate() error {
	if p.SpinBudget < 0 || p.YieldBudget < 0 || p.MaxPolls < 0 || p.IdleSleep < 0 {
		return errors.New("poll policy budgets must be non-negative")
	}
	if p.AbortEvery < 1 {
		return errors.Errorf("abort check interval must be positive, got %d", p.AbortEvery)
	}
	return nil
}

// Wait polls cond until it returns true, the abort flag is
// observed, or the poll budget runs out.
func (p PollPolicy) Wait(flag *abort.Flag, cond func() bool) error {
	every := p.AbortEvery
	if every < 1 {
		every = 1
	}
	for i := 0; ; i++ {
		if cond() {
			return nil
		}
		if flag != nil && i%every == 0 && flag.IsSet() {
			return flag.Err()
		}
		if p.MaxPolls > 0 && i >= p.MaxPolls {
			return ErrTransportFault
		}
		p.Backoff(i)
	}
}

// Backoff pauses after the i-th unsuccessful poll.
func (p PollPolicy) Backoff(i int) {
	switch {
	case i < p.SpinBudget:
	case i < p.SpinBudget+p.YieldBudget || p.IdleSleep == 0:
		runtime.Gosched()
	default:
		time.Sleep(p.IdleSleep)
	}
}
