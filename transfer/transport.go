package transfer

import (
	"context"
	"sync"
)

// Transport moves whole messages between two Conns. Implementations must
// allow one concurrent reader and one concurrent writer; Conn serializes
// writes itself. ReadMessage returns io.EOF or ErrTransportClosed once the
// peer is gone.
type Transport interface {
	WriteMessage(ctx context.Context, m *Message) error
	ReadMessage(ctx context.Context) (*Message, error)
	Close() error
}

// pipe is one end of an in-process transport. Messages are handed over as
// Go values, so payloads keep their types.
type pipe struct {
	in   <-chan *Message
	out  chan<- *Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-process transports. Closing either end
// closes both.
func Pipe() (Transport, Transport) {
	ab := make(chan *Message, 16)
	ba := make(chan *Message, 16)
	done := make(chan struct{})
	once := new(sync.Once)
	return &pipe{in: ba, out: ab, done: done, once: once},
		&pipe{in: ab, out: ba, done: done, once: once}
}

func (p *pipe) WriteMessage(ctx context.Context, m *Message) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) ReadMessage(ctx context.Context) (*Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
