package transfer

import (
	"context"
	"sync"
)

// Port is a side channel between two Conns, addressed by id. Ports carry
// one-way posts and end when either side closes them or the connection is
// lost.
type Port struct {
	c    *Conn
	id   string
	recv chan any
	done chan struct{}
	once sync.Once

	// claimed is set once a local handler owns the port; guarded by c.mu
	claimed bool
}

func newPort(c *Conn, id string) *Port {
	return &Port{c: c, id: id, recv: make(chan any, 1), done: make(chan struct{})}
}

// OpenPort creates a port whose id can be sent to the peer.
func (c *Conn) OpenPort() *Port {
	p := newPort(c, newID())
	p.claimed = true
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.shut()
		return p
	}
	c.ports[p.id] = p
	c.mu.Unlock()
	return p
}

// AdoptPort claims a port opened by the peer. Traffic that arrived before
// the claim is kept.
func (c *Conn) AdoptPort(id string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[id]
	if !ok {
		p = newPort(c, id)
		if c.closed {
			p.shut()
		} else {
			c.ports[id] = p
		}
	}
	p.claimed = true
	select {
	case <-p.done:
		delete(c.ports, id)
	default:
	}
	return p
}

// ID returns the port id.
func (p *Port) ID() string { return p.id }

// Recv delivers posted values. Values posted while the previous one is
// still unread are dropped.
func (p *Port) Recv() <-chan any { return p.recv }

// Done is closed when the port ends for any reason.
func (p *Port) Done() <-chan struct{} { return p.done }

// Post sends v to the peer's side of the port.
func (p *Port) Post(v any) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	env, _, err := p.c.reg.Serialize(v, p.c)
	if err != nil {
		return err
	}
	return p.c.send(context.Background(), &Message{Type: TypePost, Port: p.id, Args: []Envelope{env}})
}

// Close ends the port on both sides.
func (p *Port) Close() error {
	closed := false
	p.once.Do(func() {
		close(p.done)
		closed = true
	})
	if !closed {
		return nil
	}
	p.c.forgetPort(p.id)
	return p.c.send(context.Background(), &Message{Type: TypeClose, Port: p.id})
}

func (p *Port) deliver(v any) {
	select {
	case <-p.done:
	case p.recv <- v:
	default:
	}
}

// shut ends the port locally without telling the peer.
func (p *Port) shut() {
	p.once.Do(func() { close(p.done) })
}

// incomingPort finds the port addressed by a peer message, creating an
// unclaimed one for traffic that arrives before its handler adopts it.
func (c *Conn) incomingPort(id string) *Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[id]
	if !ok {
		p = newPort(c, id)
		c.ports[id] = p
	}
	return p
}

// peerClosedPort ends a port closed by the peer. Unclaimed ports stay
// registered so a late AdoptPort still observes the closure.
func (c *Conn) peerClosedPort(id string) {
	p := c.incomingPort(id)
	p.shut()
	c.mu.Lock()
	if p.claimed {
		delete(c.ports, id)
	}
	c.mu.Unlock()
}

func (c *Conn) forgetPort(id string) {
	c.mu.Lock()
	delete(c.ports, id)
	c.mu.Unlock()
}
