package devcomm

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/abort"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
)

// A Comm is one rank's device communicator.
//
// Every rank of a communicator shares its ID and abort
// flag. Channels are added during setup and are fixed once
// collectives run.
type Comm struct {
	ID        uuid.UUID
	Rank      int
	NRanks    int
	BuffSizes [wire.NumProtocols]int

	Abort  *abort.Flag
	Mapper *memspace.Mapper

	// Scheme and Poll configure every connection endpoint
	// the kernels bind.
	Scheme wire.FlagScheme
	Poll   conn.PollPolicy

	// Trace is optional and shared by all ranks.
	Trace *trace.Ring

	channels     []*Channel
	channelsBase memspace.Handle
}

// AddChannel appends a channel. Its ID must be its index.
func (c *Comm) AddChannel(ch *Channel) error {
	if len(c.channels) >= MaxChannels {
		return errors.Errorf("rank %d: more than %d channels", c.Rank, MaxChannels)
	}
	if ch.ID != len(c.channels) {
		return errors.Errorf("rank %d: channel id %d added at index %d", c.Rank, ch.ID, len(c.channels))
	}
	if len(ch.Peers) != c.NRanks {
		return errors.Errorf("rank %d: channel %d has %d peers for %d ranks",
			c.Rank, ch.ID, len(ch.Peers), c.NRanks)
	}
	c.channels = append(c.channels, ch)
	return nil
}

// NumChannels returns the number of channels.
func (c *Comm) NumChannels() int {
	return len(c.channels)
}

// Channel returns a channel by index.
func (c *Comm) Channel(i int) *Channel {
	if i < 0 || i >= len(c.channels) {
		panic("index out of bounds")
	}
	return c.channels[i]
}

// CheckAbort returns the abort error if the communicator
// was aborted.
func (c *Comm) CheckAbort() error {
	return c.Abort.Err()
}

// SetAbort aborts the communicator for every rank.
func (c *Comm) SetAbort(reason string) {
	c.Abort.Set(reason)
}

// PublishChannels writes the serialized channel array to a
// arena, at a stride of ChannelSize.
func (c *Comm) PublishChannels(a *memspace.Arena) error {
	h, err := a.Alloc("channels", uint64(ChannelSize*len(c.channels)))
	if err != nil {
		return errors.Wrapf(err, "rank %d: publish channels", c.Rank)
	}
	buf, err := c.Mapper.Resolve(h)
	if err != nil {
		return err
	}
	for i, ch := range c.channels {
		data, err := ch.MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "rank %d", c.Rank)
		}
		copy(buf[i*ChannelSize:], data)
	}
	c.channelsBase = h
	return nil
}

// ChannelHandle returns the device record of channel i.
func (c *Comm) ChannelHandle(i int) memspace.Handle {
	if c.channelsBase.IsNil() {
		panic("channels not published")
	}
	return c.channelsBase.Sub(uint64(i*ChannelSize), ChannelSize)
}

// DeviceChannel decodes the device record of channel i.
func (c *Comm) DeviceChannel(i int) (*ChannelRecord, error) {
	buf, err := c.Mapper.Resolve(c.ChannelHandle(i))
	if err != nil {
		return nil, err
	}
	return UnmarshalChannel(buf)
}
