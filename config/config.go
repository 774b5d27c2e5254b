// Package config holds the settings used to build an
// in-process fabric of communicators.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
	"gopkg.in/yaml.v3"
)

// EnvVar names a YAML file that overrides the defaults.
const EnvVar = "DEVCOMM_CONFIG"

// BuffSizes are the per-connection buffer sizes of each
// protocol, in bytes.
type BuffSizes struct {
	LL     int `yaml:"ll"`
	LL128  int `yaml:"ll128"`
	Simple int `yaml:"simple"`
}

// Array returns the sizes indexed by protocol.
func (b BuffSizes) Array() [wire.NumProtocols]int {
	var res [wire.NumProtocols]int
	res[wire.LL] = b.LL
	res[wire.LL128] = b.LL128
	res[wire.Simple] = b.Simple
	return res
}

// Config describes a fabric.
type Config struct {
	Ranks    int `yaml:"ranks"`
	Channels int `yaml:"channels"`

	// RanksPerNode groups ranks into nodes. Ranks on
	// different nodes are connected over NET. Zero puts every
	// rank on one node.
	RanksPerNode int `yaml:"ranks_per_node"`

	// Intra is the transport between ranks of one node: P2P
	// or SHM.
	Intra string `yaml:"intra"`

	// GDR lets NET receivers use device buffers, and Torn
	// makes proxies deliver LL lines in halves.
	GDR  bool `yaml:"gdr"`
	Torn bool `yaml:"torn"`

	BuffSizes     BuffSizes `yaml:"buff_sizes"`
	QueueCapacity int       `yaml:"queue_capacity"`
	ArenaSize     uint64    `yaml:"arena_size"`
	NThreads      int       `yaml:"nthreads"`

	Flags wire.FlagScheme `yaml:"flags"`
	Poll  conn.PollPolicy `yaml:"poll"`

	Trace   bool `yaml:"trace"`
	Profile bool `yaml:"profile"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Ranks:    4,
		Channels: 2,
		Intra:    conn.P2P.String(),
		BuffSizes: BuffSizes{
			LL:     1 << 13,
			LL128:  1 << 15,
			Simple: 1 << 16,
		},
		QueueCapacity: 256,
		ArenaSize:     1 << 24,
		NThreads:      wire.MaxThreads,
		Flags:         wire.DefaultFlagScheme,
		Poll:          conn.DefaultPollPolicy,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromEnv loads the file named by EnvVar, or returns the
// defaults if it is unset.
func FromEnv() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// IntraTransport parses Intra.
func (c *Config) IntraTransport() (conn.Transport, error) {
	t, err := conn.ParseTransport(c.Intra)
	if err != nil {
		return t, err
	}
	if t == conn.NET {
		return t, errors.New("intra-node transport must be P2P or SHM")
	}
	return t, nil
}

// Setup returns the connection setup the configuration
// describes.
func (c *Config) Setup() *conn.Setup {
	return &conn.Setup{BuffSizes: c.BuffSizes.Array(), GDR: c.GDR, Torn: c.Torn}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Ranks < 1 {
		return errors.Errorf("invalid rank count %d", c.Ranks)
	}
	if c.Channels < 1 {
		return errors.Errorf("invalid channel count %d", c.Channels)
	}
	if c.RanksPerNode < 0 {
		return errors.Errorf("invalid ranks per node %d", c.RanksPerNode)
	}
	if _, err := c.IntraTransport(); err != nil {
		return err
	}
	if err := c.Setup().Validate(); err != nil {
		return err
	}
	q := c.QueueCapacity
	if q <= 0 || q&(q-1) != 0 || q > work.MaxOps {
		return errors.Errorf("queue capacity %d must be a power of two up to %d", q, work.MaxOps)
	}
	if c.NThreads < wire.WarpSize || c.NThreads > wire.MaxThreads {
		return errors.Errorf("thread count %d outside [%d, %d]", c.NThreads, wire.WarpSize,
			wire.MaxThreads)
	}
	if c.ArenaSize == 0 {
		return errors.New("arena size must be positive")
	}
	if err := c.Flags.Validate(); err != nil {
		return errors.Wrap(err, "flags")
	}
	if err := c.Poll.Validate(); err != nil {
		return errors.Wrap(err, "poll")
	}
	return nil
}
