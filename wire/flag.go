package wire

import "github.com/pkg/errors"

// A FlagScheme derives line flags from step counters and
// decides when a connection's buffer must be re-primed.
//
// A line written for step s carries Flag(s+1), so a zeroed
// buffer never looks fresh. Flags wrap at the flag modulus;
// cleaning re-writes every line before a stale flag could be
// expected again.
type FlagScheme struct {
	// FlagMax is the flag modulus. Zero means 2^32, i.e. flags
	// are the low 32 bits of the step.
	FlagMax uint64 `yaml:"flag_max"`

	// CleanInterval is the number of steps between two
	// cleaning passes.
	CleanInterval uint64 `yaml:"clean_interval"`
}

var (
	// DefaultFlagScheme is the production scheme.
	DefaultFlagScheme = FlagScheme{CleanInterval: 0x7ffffff8}

	// ShortFlagScheme wraps flags after 256 steps, which makes
	// wraparound and cleaning reachable in tests.
	ShortFlagScheme = FlagScheme{FlagMax: 0x100, CleanInterval: 0x78}
)

// Modulus returns the effective flag modulus.
func (f FlagScheme) Modulus() uint64 {
	if f.FlagMax == 0 {
		return 1 << 32
	}
	return f.FlagMax
}

// Flag returns the flag of a step value.
func (f FlagScheme) Flag(step uint64) uint32 {
	return uint32(step % f.Modulus())
}

// Validate checks that no stale flag can alias an expected
// one between two cleaning passes.
func (f FlagScheme) Validate() error {
	m := f.Modulus()
	if m%Steps != 0 {
		return errors.Errorf("flag modulus %#x is not a multiple of %d steps", m, Steps)
	}
	if f.CleanInterval == 0 || f.CleanInterval%Steps != 0 {
		return errors.Errorf("clean interval %#x must be a positive multiple of %d steps",
			f.CleanInterval, Steps)
	}
	if f.CleanInterval+Steps >= m {
		return errors.Errorf("clean interval %#x plus %d steps reaches flag modulus %#x",
			f.CleanInterval, Steps, m)
	}
	return nil
}

// NeedsCleaning reports whether a connection at step must
// clean its buffer before the next transfer.
func (f FlagScheme) NeedsCleaning(step, lastCleaning uint64) bool {
	return step > lastCleaning+f.CleanInterval
}
