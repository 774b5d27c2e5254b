package kernel

import (
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/memspace"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
)

// prims runs the transfer primitives of one descriptor over
// a receive connection and a send connection. Either side
// may be nil when the primitives in use do not need it.
type prims struct {
	op *op

	recv *conn.Receiver
	send *conn.Sender

	// directRecv and directSend are set when the matching
	// connection accepts pointer exchange and the protocol
	// is Simple.
	directRecv bool
	directSend bool

	scratch []byte
}

func (o *op) newPrims(recvPeer, sendPeer int) (*prims, error) {
	p := &prims{op: o, scratch: make([]byte, o.chunk*o.esize)}
	var err error
	if recvPeer >= 0 {
		if p.recv, err = o.k.receiver(recvPeer, o.threads); err != nil {
			return nil, err
		}
		direct := o.k.ch.Peer(recvPeer).Recv.Conn.Direct&conn.DirectGPU != 0
		p.directRecv = direct && o.fn.Proto == wire.Simple
	}
	if sendPeer >= 0 {
		if p.send, err = o.k.sender(sendPeer, o.threads); err != nil {
			return nil, err
		}
		direct := o.k.ch.Peer(sendPeer).Send.Conn.Direct&conn.DirectGPU != 0
		p.directSend = direct && o.fn.Proto == wire.Simple
	}
	return p, nil
}

func (p *prims) prof() *trace.Prof {
	return p.op.k.ch.Prof
}

// Send sends src to the next peer.
func (p *prims) Send(src []byte) error {
	start := time.Now()
	if err := p.sendData(src); err != nil {
		return err
	}
	p.prof().Record(trace.PrimSend, start, len(src))
	return nil
}

// Recv receives exactly len(dst) bytes into dst.
func (p *prims) Recv(dst []byte) error {
	start := time.Now()
	if err := p.recvData(dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimRecv, start, len(dst))
	return nil
}

// CopySend copies src to dst and sends dst.
func (p *prims) CopySend(src, dst []byte) error {
	start := time.Now()
	copy(dst, src)
	if err := p.sendData(dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimCopySend, start, len(dst))
	return nil
}

// RecvCopySend receives into dst and forwards it.
func (p *prims) RecvCopySend(dst []byte) error {
	start := time.Now()
	if err := p.recvData(dst); err != nil {
		return err
	}
	if err := p.sendData(dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimRecvCopySend, start, len(dst))
	return nil
}

// RecvReduceSend combines the incoming data with src and
// forwards the result.
func (p *prims) RecvReduceSend(src []byte) error {
	start := time.Now()
	tmp := p.scratch[:len(src)]
	if err := p.recvData(tmp); err != nil {
		return err
	}
	p.op.reduce(tmp, tmp, src)
	if err := p.sendData(tmp); err != nil {
		return err
	}
	p.prof().Record(trace.PrimRecvReduceSend, start, len(src))
	return nil
}

// RecvReduceCopy combines the incoming data with src into
// dst.
func (p *prims) RecvReduceCopy(src, dst []byte) error {
	start := time.Now()
	tmp := p.scratch[:len(src)]
	if err := p.recvData(tmp); err != nil {
		return err
	}
	p.op.reduce(dst, tmp, src)
	p.prof().Record(trace.PrimRecvReduceCopy, start, len(src))
	return nil
}

// RecvReduceCopySend combines the incoming data with src
// into dst and forwards dst.
func (p *prims) RecvReduceCopySend(src, dst []byte) error {
	start := time.Now()
	tmp := p.scratch[:len(src)]
	if err := p.recvData(tmp); err != nil {
		return err
	}
	p.op.reduce(dst, tmp, src)
	if err := p.sendData(dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimRecvReduceCopySend, start, len(src))
	return nil
}

// DirectSend writes src into the buffer the next peer
// published, falling back to Send on connections without
// pointer exchange.
func (p *prims) DirectSend(src []byte) error {
	if !p.directSend {
		return p.Send(src)
	}
	start := time.Now()
	if err := p.sendDirect(src); err != nil {
		return err
	}
	p.prof().Record(trace.PrimDirectSend, start, len(src))
	return nil
}

// DirectCopySend copies src to dst and writes it into the
// buffer the next peer published.
func (p *prims) DirectCopySend(src, dst []byte) error {
	if !p.directSend {
		return p.CopySend(src, dst)
	}
	start := time.Now()
	copy(dst, src)
	if err := p.sendDirect(dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimDirectCopySend, start, len(dst))
	return nil
}

// DirectRecv lets the previous peer write straight into
// dst, which h addresses.
func (p *prims) DirectRecv(h memspace.Handle, dst []byte) error {
	if !p.directRecv {
		return p.Recv(dst)
	}
	start := time.Now()
	if err := p.recvDirect(h, dst); err != nil {
		return err
	}
	p.prof().Record(trace.PrimDirectRecv, start, len(dst))
	return nil
}

// DirectRecvCopySend receives straight into dst and
// forwards it.
func (p *prims) DirectRecvCopySend(h memspace.Handle, dst []byte) error {
	if !p.directRecv && !p.directSend {
		return p.RecvCopySend(dst)
	}
	start := time.Now()
	var err error
	if p.directRecv {
		err = p.recvDirect(h, dst)
	} else {
		err = p.recvData(dst)
	}
	if err != nil {
		return err
	}
	if p.directSend {
		err = p.sendDirect(dst)
	} else {
		err = p.sendData(dst)
	}
	if err != nil {
		return err
	}
	p.prof().Record(trace.PrimDirectRecvCopySend, start, len(dst))
	return nil
}

func (p *prims) sendData(src []byte) error {
	return p.send.Send(p.op.fn.Proto, src)
}

func (p *prims) recvData(dst []byte) error {
	n, err := p.recv.Recv(p.op.fn.Proto, dst)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return errors.Errorf("received %d bytes, expected %d", n, len(dst))
	}
	return nil
}

func (p *prims) sendDirect(src []byte) error {
	start := time.Now()
	h, err := p.send.AwaitPtr(uint64(len(src)))
	if err != nil {
		return err
	}
	p.prof().AddWait(time.Since(start), false)
	return p.send.SendDirect(p.op.k.comm.Mapper, h, src)
}

func (p *prims) recvDirect(h memspace.Handle, dst []byte) error {
	if err := p.recv.PostPtr(h); err != nil {
		return err
	}
	start := time.Now()
	n, err := p.recv.RecvDirect()
	if err != nil {
		return err
	}
	p.prof().AddWait(time.Since(start), true)
	if n != len(dst) {
		return errors.Errorf("received %d direct bytes, expected %d", n, len(dst))
	}
	return nil
}
