package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/wire"
)

func TestDefaultValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
ranks: 8
ranks_per_node: 4
intra: shm
buff_sizes:
  simple: 4096
flags:
  flag_max: 0x100
  clean_interval: 0x78
poll:
  idle_sleep: 5us
  max_polls: 1000
`))
	require.NoError(t, err)
	assert.Equal(t, 8, c.Ranks)
	assert.Equal(t, 4, c.RanksPerNode)
	assert.Equal(t, 2, c.Channels)
	tr, err := c.IntraTransport()
	require.NoError(t, err)
	assert.Equal(t, conn.SHM, tr)
	assert.Equal(t, 4096, c.BuffSizes.Simple)
	assert.Equal(t, Default().BuffSizes.LL, c.BuffSizes.LL)
	assert.Equal(t, wire.ShortFlagScheme, c.Flags)
	assert.Equal(t, 5*time.Microsecond, c.Poll.IdleSleep)
	assert.Equal(t, 1000, c.Poll.MaxPolls)
	assert.Equal(t, conn.DefaultPollPolicy.SpinBudget, c.Poll.SpinBudget)
}

func TestParseInvalid(t *testing.T) {
	for _, doc := range []string{
		"ranks: 0",
		"channels: -1",
		"intra: net",
		"intra: pigeon",
		"buff_sizes: {ll: 100}",
		"queue_capacity: 3",
		"queue_capacity: 4096",
		"nthreads: 1000",
		"flags: {flag_max: 0x100, clean_interval: 0x100}",
		"poll: {abort_every: 0}",
		"ranks: [1, 2]",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	path := filepath.Join(t.TempDir(), "devcomm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels: 3\ngdr: true\n"), 0644))
	t.Setenv(EnvVar, path)
	c, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, c.Channels)
	assert.True(t, c.GDR)

	t.Setenv(EnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = FromEnv()
	assert.Error(t, err)
}
