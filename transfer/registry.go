package transfer

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// Handler is a serialization rule for values that cannot cross a transport
// as they are.
type Handler interface {
	// CanHandle reports whether v is a value this handler serializes.
	CanHandle(v any) bool
	// Serialize returns the wire payload for v and the ids of side ports
	// that move to the peer along with it.
	Serialize(v any, c *Conn) (payload any, transfer []string, err error)
	// Deserialize rebuilds a local value equivalent to the serialized one.
	Deserialize(payload any, c *Conn) (any, error)
}

type registration struct {
	kind    Kind
	handler Handler
}

// Registry holds the handlers used by every Conn it is given to. It is
// built once and shared; there is no package level registry.
type Registry struct {
	mu       sync.RWMutex
	handlers []registration
	errors   []errorCode
}

// NewRegistry returns a registry with the cancelable and sequence kinds
// installed and the transport errors of this package mapped to codes.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(KindCancelable, CancelableHandler{})
	r.Register(KindSequence, SequenceHandler{})
	r.RegisterError("transport_closed", ErrTransportClosed)
	r.RegisterError("cancelled", ErrCancelled)
	r.RegisterError("unknown_object", ErrUnknownObject)
	r.RegisterError("unknown_method", ErrUnknownMethod)
	return r
}

// Register installs h for kind, replacing an earlier handler of the same
// kind in place. Handlers are tried in registration order, before the
// built-in bytes and proxy kinds.
func (r *Registry) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.handlers {
		if r.handlers[i].kind == kind {
			r.handlers[i].handler = h
			return
		}
	}
	r.handlers = append(r.handlers, registration{kind: kind, handler: h})
}

func (r *Registry) lookup(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.handlers {
		if reg.kind == kind {
			return reg.handler, true
		}
	}
	return nil, false
}

// Serialize wraps v in an envelope. Values no handler accepts travel raw.
func (r *Registry) Serialize(v any, c *Conn) (Envelope, []string, error) {
	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()

	for _, reg := range handlers {
		if !reg.handler.CanHandle(v) {
			continue
		}
		payload, transfer, err := reg.handler.Serialize(v, c)
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("serialize %s: %w", reg.kind, err)
		}
		return Envelope{Kind: reg.kind, Value: payload}, transfer, nil
	}

	switch v := v.(type) {
	case []byte:
		return Envelope{Kind: KindBytes, Value: base64.StdEncoding.EncodeToString(v)}, nil, nil
	case Object:
		if c == nil {
			return Envelope{}, nil, fmt.Errorf("serialize %s: no connection", KindProxy)
		}
		return Envelope{Kind: KindProxy, Value: c.export(v)}, nil, nil
	}
	return Envelope{Kind: KindRaw, Value: v}, nil, nil
}

// Deserialize rebuilds the value carried by env.
func (r *Registry) Deserialize(env Envelope, c *Conn) (any, error) {
	switch env.Kind {
	case KindRaw, "":
		return env.Value, nil
	case KindBytes:
		s, ok := env.Value.(string)
		if !ok {
			return nil, fmt.Errorf("deserialize %s: payload is %T", env.Kind, env.Value)
		}
		return base64.StdEncoding.DecodeString(s)
	case KindProxy:
		id, ok := env.Value.(string)
		if !ok || c == nil {
			return nil, fmt.Errorf("deserialize %s: bad reference %v", env.Kind, env.Value)
		}
		return c.remote(id), nil
	}

	h, ok := r.lookup(env.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}
	v, err := h.Deserialize(env.Value, c)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", env.Kind, err)
	}
	return v, nil
}
