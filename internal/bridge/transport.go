package bridge

import (
	"context"
	"sync"
)

// Transport moves envelopes across the boundary. Implementations carry no
// business logic; Receive is closed once the transport shuts down.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive() <-chan Envelope
	Close() error
}

type pipeEnd struct {
	in     chan Envelope
	out    chan Envelope
	peer   *pipeEnd
	closed chan struct{}
	once   *sync.Once
}

// NewPipe returns two connected in-process transports. Closing either end
// closes both.
func NewPipe() (Transport, Transport) {
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: make(chan Envelope, 64), out: make(chan Envelope), closed: closed, once: once}
	b := &pipeEnd{in: make(chan Envelope, 64), out: make(chan Envelope), closed: closed, once: once}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func (p *pipeEnd) pump() {
	defer close(p.out)
	for {
		select {
		case <-p.closed:
			return
		case env := <-p.in:
			select {
			case p.out <- env:
			case <-p.closed:
				return
			}
		}
	}
}

func (p *pipeEnd) Send(ctx context.Context, env Envelope) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.peer.in <- env:
		return nil
	}
}

func (p *pipeEnd) Receive() <-chan Envelope { return p.out }

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
