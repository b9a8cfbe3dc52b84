package transfer

import (
	"context"
	"errors"
)

// Options are call options carrying a cancellation signal. The signal is
// replicated to the peer over a one-shot side port instead of being copied.
type Options struct {
	// Signal is done when the caller loses interest.
	Signal context.Context
	// Values are plain options travelling with the signal.
	Values map[string]any

	release context.CancelFunc
}

// Close releases the side port of a deserialized Options. It is a no-op for
// locally built ones.
func (o Options) Close() {
	if o.release != nil {
		o.release()
	}
}

// Context returns the signal, or a background context if none was given.
func (o Options) Context() context.Context {
	if o.Signal == nil {
		return context.Background()
	}
	return o.Signal
}

type cancelablePayload struct {
	Port   string         `json:"port,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// CancelableHandler serializes Options and *Options.
type CancelableHandler struct{}

func (CancelableHandler) CanHandle(v any) bool {
	switch v.(type) {
	case Options, *Options:
		return true
	}
	return false
}

// Serialize opens a side port that receives a single notification once the
// signal is done and is then closed.
func (CancelableHandler) Serialize(v any, c *Conn) (any, []string, error) {
	var opts Options
	switch v := v.(type) {
	case Options:
		opts = v
	case *Options:
		if v == nil {
			return cancelablePayload{}, nil, nil
		}
		opts = *v
	}
	if opts.Signal == nil {
		return cancelablePayload{Values: opts.Values}, nil, nil
	}
	if c == nil {
		return nil, nil, errors.New("cancelation signal needs a connection")
	}

	p := c.OpenPort()
	go func() {
		select {
		case <-opts.Signal.Done():
			_ = p.Post(struct{}{})
			_ = p.Close()
		case <-p.Done():
		}
	}()
	return cancelablePayload{Port: p.ID(), Values: opts.Values}, []string{p.ID()}, nil
}

// Deserialize builds Options with a fresh signal that is cancelled by the
// peer's notification or by any loss of the side port.
func (CancelableHandler) Deserialize(payload any, c *Conn) (any, error) {
	cp, ok := payload.(cancelablePayload)
	if !ok {
		if err := Decode(payload, &cp); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{Signal: ctx, Values: cp.Values, release: cancel}
	if cp.Port == "" || c == nil {
		return opts, nil
	}

	p := c.AdoptPort(cp.Port)
	go func() {
		select {
		case <-p.Recv():
		case <-p.Done():
		case <-ctx.Done():
		}
		cancel()
		_ = p.Close()
	}()
	return opts, nil
}
