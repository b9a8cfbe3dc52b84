package transfer

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, reg *Registry, root Object) (client, server *Conn) {
	t.Helper()
	a, b := Pipe()
	server = NewConn(b, reg, WithRoot(root))
	client = NewConn(a, reg)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// countingSequence yields 0..limit-1 and records how far it was pulled.
type countingSequence struct {
	limit  int
	pulled atomic.Int32
	closed atomic.Bool
}

func (s *countingSequence) Next(ctx context.Context) (any, bool, error) {
	n := int(s.pulled.Load())
	if n >= s.limit || s.closed.Load() {
		return nil, true, nil
	}
	s.pulled.Add(1)
	return n, false, nil
}

func (s *countingSequence) Close() error {
	s.closed.Store(true)
	return nil
}

func TestCallRoundTrip(t *testing.T) {
	root := Methods{
		"echo": func(ctx context.Context, args []any) (any, error) {
			return args[0], nil
		},
		"bytes": func(ctx context.Context, args []any) (any, error) {
			b, err := Arg[[]byte](args, 0)
			if err != nil {
				return nil, err
			}
			return append(b, '!'), nil
		},
		"nothing": func(ctx context.Context, args []any) (any, error) {
			return nil, nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)
	ctx := context.Background()

	v, err := client.Root().Call(ctx, "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	v, err = client.Root().Call(ctx, "bytes", []byte("data"))
	require.NoError(t, err)
	require.Equal(t, []byte("data!"), v)

	v, err = client.Root().Call(ctx, "nothing")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestRemoteErrors(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterError("not_found", fs.ErrNotExist)

	root := Methods{
		"missing": func(ctx context.Context, args []any) (any, error) {
			return nil, &os.PathError{Op: "read", Path: "/a", Err: fs.ErrNotExist}
		},
		"broken": func(ctx context.Context, args []any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}
	client, _ := newPair(t, reg, root)
	ctx := context.Background()

	_, err := client.Root().Call(ctx, "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "not_found", remote.Code)
	require.Contains(t, remote.Error(), "/a")

	_, err = client.Root().Call(ctx, "broken")
	require.ErrorAs(t, err, &remote)
	require.Equal(t, CodeInternal, remote.Code)
	require.Equal(t, "disk on fire", remote.Message)

	_, err = client.Root().Call(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestProxyReference(t *testing.T) {
	var calls atomic.Int32
	counter := Methods{
		"inc": func(ctx context.Context, args []any) (any, error) {
			return int(calls.Add(1)), nil
		},
	}
	root := Methods{
		"counter": func(ctx context.Context, args []any) (any, error) {
			return counter, nil
		},
	}
	client, server := newPair(t, NewRegistry(), root)
	ctx := context.Background()

	v, err := client.Root().Call(ctx, "counter")
	require.NoError(t, err)
	ref, ok := v.(*Remote)
	require.True(t, ok, "expected a remote reference, got %T", v)

	for i := 1; i <= 3; i++ {
		n, err := ref.Call(ctx, "inc")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}

	require.NoError(t, ref.Release())
	_, err = ref.Call(ctx, "inc")
	require.ErrorIs(t, err, ErrUnknownObject)

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		_, ok := server.objects[ref.ID()]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSequenceRoundTrip(t *testing.T) {
	root := Methods{
		"list": func(ctx context.Context, args []any) (any, error) {
			return FromSlice("a", []byte("b"), "c"), nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)
	ctx := context.Background()

	v, err := client.Root().Call(ctx, "list")
	require.NoError(t, err)
	seq, ok := v.(Sequence)
	require.True(t, ok, "expected a sequence, got %T", v)

	values, err := Collect(ctx, seq)
	require.NoError(t, err)
	require.Equal(t, []any{"a", []byte("b"), "c"}, values)

	// Exhausted sequences stay exhausted without further remote calls
	_, done, err := seq.Next(ctx)
	require.NoError(t, err)
	require.True(t, done)
}

// TestSequenceBackpressure tests that the producer is pulled one item per consumer request
func TestSequenceBackpressure(t *testing.T) {
	src := &countingSequence{limit: 100}
	root := Methods{
		"count": func(ctx context.Context, args []any) (any, error) {
			return src, nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)
	ctx := context.Background()

	v, err := client.Root().Call(ctx, "count")
	require.NoError(t, err)
	seq := v.(Sequence)

	for i := 0; i < 3; i++ {
		n, done, err := seq.Next(ctx)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, i, n)
	}
	require.EqualValues(t, 3, src.pulled.Load())

	require.NoError(t, seq.Close())
	require.True(t, src.closed.Load(), "closing the consumer should close the producer")

	_, done, err := seq.Next(ctx)
	require.NoError(t, err)
	require.True(t, done)
}

func TestSequenceReleasedOnDisconnect(t *testing.T) {
	src := &countingSequence{limit: 100}
	root := Methods{
		"count": func(ctx context.Context, args []any) (any, error) {
			return src, nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	_, err := client.Root().Call(context.Background(), "count")
	require.NoError(t, err)
	client.Close()

	require.Eventually(t, src.closed.Load, time.Second, 5*time.Millisecond)
}

// TestCancelableOptions tests that firing the caller's signal cancels the callee's copy
func TestCancelableOptions(t *testing.T) {
	got := make(chan Options, 1)
	root := Methods{
		"wait": func(ctx context.Context, args []any) (any, error) {
			opts, err := Arg[Options](args, 0)
			if err != nil {
				return nil, err
			}
			got <- opts
			<-opts.Signal.Done()
			return "stopped", nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	signal, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan any, 1)
	go func() {
		v, err := client.Root().Call(context.Background(), "wait", Options{
			Signal: signal,
			Values: map[string]any{"recursive": true},
		})
		require.NoError(t, err)
		result <- v
	}()

	opts := <-got
	require.Equal(t, true, opts.Values["recursive"])
	select {
	case <-opts.Signal.Done():
		t.Fatal("signal fired before cancellation")
	default:
	}

	cancel()
	select {
	case v := <-result:
		require.Equal(t, "stopped", v)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not reach the callee")
	}
}

// TestCancelablePortLoss tests that losing the side port counts as cancellation
func TestCancelablePortLoss(t *testing.T) {
	got := make(chan Options, 1)
	root := Methods{
		"hold": func(ctx context.Context, args []any) (any, error) {
			opts, err := Arg[Options](args, 0)
			if err != nil {
				return nil, err
			}
			got <- opts
			return nil, nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	signal, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := client.Root().Call(context.Background(), "hold", Options{Signal: signal})
	require.NoError(t, err)

	opts := <-got
	client.Close()
	select {
	case <-opts.Signal.Done():
	case <-time.After(time.Second):
		t.Fatal("signal should fire when the connection is lost")
	}
}

func TestCancelableAlreadyDone(t *testing.T) {
	root := Methods{
		"check": func(ctx context.Context, args []any) (any, error) {
			opts, err := Arg[Options](args, 0)
			if err != nil {
				return nil, err
			}
			select {
			case <-opts.Signal.Done():
				return true, nil
			case <-time.After(time.Second):
				return false, nil
			}
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	signal, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := client.Root().Call(context.Background(), "check", Options{Signal: signal})
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestPendingCallsFailOnClose(t *testing.T) {
	started := make(chan struct{})
	root := Methods{
		"block": func(ctx context.Context, args []any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client, server := newPair(t, NewRegistry(), root)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Root().Call(context.Background(), "block")
		errc <- err
	}()
	<-started
	server.Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail")
	}

	_, err := client.Root().Call(context.Background(), "block")
	require.ErrorIs(t, err, ErrTransportClosed)
	<-client.Done()
	require.ErrorIs(t, client.Err(), ErrTransportClosed)
}

// TestConcurrentCalls tests that a slow call does not hold up others
func TestConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	root := Methods{
		"slow": func(ctx context.Context, args []any) (any, error) {
			<-release
			return "slow", nil
		},
		"fast": func(ctx context.Context, args []any) (any, error) {
			return "fast", nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := client.Root().Call(ctx, "slow")
		require.NoError(t, err)
		require.Equal(t, "slow", v)
	}()

	v, err := client.Root().Call(ctx, "fast")
	require.NoError(t, err)
	require.Equal(t, "fast", v)

	close(release)
	wg.Wait()
}

func TestCallContext(t *testing.T) {
	root := Methods{
		"block": func(ctx context.Context, args []any) (any, error) {
			<-ctx.Done()
			return nil, nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Root().Call(ctx, "block")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// blockingSequence never yields; Next waits for its context.
type blockingSequence struct {
	returned chan error
}

func (s *blockingSequence) Next(ctx context.Context) (any, bool, error) {
	<-ctx.Done()
	s.returned <- ctx.Err()
	return nil, false, ctx.Err()
}

func (s *blockingSequence) Close() error { return nil }

// TestAbandonedCallReleasesCallee tests that giving up on a call stops the
// peer's handler without closing the connection
func TestAbandonedCallReleasesCallee(t *testing.T) {
	src := &blockingSequence{returned: make(chan error, 1)}
	root := Methods{
		"feed": func(ctx context.Context, args []any) (any, error) {
			return src, nil
		},
		"echo": func(ctx context.Context, args []any) (any, error) {
			return args[0], nil
		},
	}
	client, _ := newPair(t, NewRegistry(), root)

	v, err := client.Root().Call(context.Background(), "feed")
	require.NoError(t, err)
	seq := v.(Sequence)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = seq.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-src.returned:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("the producer is still blocked after the caller gave up")
	}

	v, err = client.Root().Call(context.Background(), "echo", "still up")
	require.NoError(t, err)
	require.Equal(t, "still up", v)
}

type point struct {
	X, Y int
}

type pointHandler struct{}

func (pointHandler) CanHandle(v any) bool {
	_, ok := v.(point)
	return ok
}

func (pointHandler) Serialize(v any, c *Conn) (any, []string, error) {
	p := v.(point)
	return []any{p.X, p.Y}, nil, nil
}

func (pointHandler) Deserialize(payload any, c *Conn) (any, error) {
	var xy []int
	if err := Decode(payload, &xy); err != nil {
		return nil, err
	}
	return point{X: xy[0], Y: xy[1]}, nil
}

func TestCustomHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register("point", pointHandler{})

	env, transfer, err := reg.Serialize(point{1, 2}, nil)
	require.NoError(t, err)
	require.Empty(t, transfer)
	require.Equal(t, Kind("point"), env.Kind)

	v, err := reg.Deserialize(env, nil)
	require.NoError(t, err)
	require.Equal(t, point{1, 2}, v)

	_, err = reg.Deserialize(Envelope{Kind: "unknown"}, nil)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestWebSocketTransport(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterError("not_found", fs.ErrNotExist)

	waiting := make(chan struct{}, 1)
	root := Methods{
		"echo": func(ctx context.Context, args []any) (any, error) {
			return args[0], nil
		},
		"bytes": func(ctx context.Context, args []any) (any, error) {
			return []byte{0, 1, 2, 255}, nil
		},
		"list": func(ctx context.Context, args []any) (any, error) {
			return FromSlice("x", "y"), nil
		},
		"missing": func(ctx context.Context, args []any) (any, error) {
			return nil, fs.ErrNotExist
		},
		"wait": func(ctx context.Context, args []any) (any, error) {
			opts, err := Arg[Options](args, 0)
			if err != nil {
				return nil, err
			}
			waiting <- struct{}{}
			<-opts.Signal.Done()
			return "stopped", nil
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Upgrade(w, r)
		if err != nil {
			return
		}
		conn := NewConn(tr, reg, WithRoot(root))
		<-conn.Done()
	}))
	defer srv.Close()

	ctx := context.Background()
	tr, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	client := NewConn(tr, reg)
	defer client.Close()

	v, err := client.Root().Call(ctx, "echo", map[string]any{"n": 1})
	require.NoError(t, err)
	var echoed struct {
		N int `json:"n"`
	}
	require.NoError(t, Decode(v, &echoed))
	require.Equal(t, 1, echoed.N)

	v, err = client.Root().Call(ctx, "bytes")
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 255}, v)

	v, err = client.Root().Call(ctx, "list")
	require.NoError(t, err)
	values, err := Collect(ctx, v.(Sequence))
	require.NoError(t, err)
	require.Equal(t, []any{"x", "y"}, values)

	_, err = client.Root().Call(ctx, "missing")
	require.ErrorIs(t, err, fs.ErrNotExist)

	signal, cancel := context.WithCancel(ctx)
	result := make(chan any, 1)
	go func() {
		v, _ := client.Root().Call(ctx, "wait", Options{Signal: signal})
		result <- v
	}()
	<-waiting
	cancel()
	select {
	case v := <-result:
		require.Equal(t, "stopped", v)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not cross the websocket")
	}
}
