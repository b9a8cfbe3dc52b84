package transfer

import (
	"context"
	"errors"
	"sync"
)

// Sequence is a pull-driven producer of values. Next returns done once the
// sequence is exhausted; Close abandons it early.
type Sequence interface {
	Next(ctx context.Context) (v any, done bool, err error)
	Close() error
}

// step is the wire form of one Next result.
type step struct {
	Done  bool      `json:"done"`
	Value *Envelope `json:"value,omitempty"`
}

// SequenceHandler exports sequences as remote objects answering "next" and
// "return", so the consumer drives production one item at a time.
type SequenceHandler struct{}

func (SequenceHandler) CanHandle(v any) bool {
	_, ok := v.(Sequence)
	return ok
}

func (SequenceHandler) Serialize(v any, c *Conn) (any, []string, error) {
	if c == nil {
		return nil, nil, errors.New("sequence needs a connection")
	}
	return c.export(&sequenceObject{seq: v.(Sequence), c: c}), nil, nil
}

func (SequenceHandler) Deserialize(payload any, c *Conn) (any, error) {
	id, ok := payload.(string)
	if !ok || c == nil {
		return nil, errors.New("bad sequence reference")
	}
	return &remoteSequence{r: c.remote(id)}, nil
}

// sequenceObject serves a local Sequence to the peer.
type sequenceObject struct {
	seq  Sequence
	c    *Conn
	once sync.Once
}

func (s *sequenceObject) Invoke(ctx context.Context, method string, args []any) (any, error) {
	switch method {
	case "next":
		v, done, err := s.seq.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return step{Done: true}, nil
		}
		env, _, err := s.c.reg.Serialize(v, s.c)
		if err != nil {
			return nil, err
		}
		return step{Value: &env}, nil
	case "return":
		return step{Done: true}, s.Close()
	}
	return nil, unknownMethod(method)
}

// Close ends the underlying sequence once.
func (s *sequenceObject) Close() error {
	var err error
	s.once.Do(func() { err = s.seq.Close() })
	return err
}

// remoteSequence pulls from a sequence exported by the peer. Each local Next
// issues exactly one remote "next".
type remoteSequence struct {
	r *Remote

	mu   sync.Mutex
	done bool
}

func (s *remoteSequence) Next(ctx context.Context) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, true, nil
	}

	res, err := s.r.Call(ctx, "next")
	if err != nil {
		if errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrUnknownObject) {
			s.done = true
		}
		return nil, false, err
	}
	st, ok := res.(step)
	if !ok {
		if err := Decode(res, &st); err != nil {
			return nil, false, err
		}
	}
	if st.Done || st.Value == nil {
		s.done = true
		_ = s.r.Release()
		return nil, true, nil
	}
	v, err := s.r.c.reg.Deserialize(*st.Value, s.r.c)
	return v, false, err
}

// Close abandons the sequence, telling the producer to stop.
func (s *remoteSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	_, err := s.r.Call(context.Background(), "return")
	_ = s.r.Release()
	if errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return err
}

// sliceSequence yields fixed values.
type sliceSequence struct {
	mu     sync.Mutex
	values []any
}

// FromSlice returns a Sequence producing values in order.
func FromSlice(values ...any) Sequence {
	return &sliceSequence{values: values}
}

func (s *sliceSequence) Next(ctx context.Context) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil, true, nil
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, false, nil
}

func (s *sliceSequence) Close() error {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
	return nil
}

// Collect drains seq into a slice. It stops at the first error.
func Collect(ctx context.Context, seq Sequence) ([]any, error) {
	var out []any
	for {
		v, done, err := seq.Next(ctx)
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		out = append(out, v)
	}
}
