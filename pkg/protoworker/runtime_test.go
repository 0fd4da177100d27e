package protoworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/protoworker/internal/logging"
	"github.com/HsiangNianian/protoworker/internal/store"
	"github.com/HsiangNianian/protoworker/pkg/transport"
	"github.com/HsiangNianian/protoworker/pkg/transport/inproc"
)

type pair struct {
	host     *Runtime
	delegate *Runtime
	network  *inproc.Network
}

func newPair(t *testing.T, netOpts []inproc.Option, hostOpts, delegateOpts []Option) *pair {
	t.Helper()
	n := inproc.NewNetwork(netOpts...)
	delegate := New(RoleDelegate, append([]Option{WithLogger(logging.Discard())}, delegateOpts...)...)
	host := New(RoleHost, append([]Option{WithLogger(logging.Discard()), WithOpener(n)}, hostOpts...)...)
	n.Handle("foo", delegate)
	t.Cleanup(func() {
		host.Close()
		delegate.Close()
	})
	return &pair{host: host, delegate: delegate, network: n}
}

// echo answers every request with {"echo": payload}, rejecting payloads that
// carry "reject": true.
func echo(msg IncomingMessage) {
	req, ok := msg.(*Request)
	if !ok {
		return
	}
	var body struct {
		Reject bool `json:"reject"`
	}
	_ = json.Unmarshal(req.Payload, &body)
	if body.Reject {
		_ = req.Reject(map[string]any{"reason": "nope"})
		return
	}
	_ = req.Respond(map[string]json.RawMessage{"echo": req.Payload})
}

func TestRequestBeforeConnect(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)

	var got json.RawMessage
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		got = req.Payload
		require.NoError(t, req.Respond(map[string]bool{"ok": true}))
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	assert.False(t, w.Connected())

	call := w.Go(map[string]string{"op": "x"})
	ch, ok := p.host.Channel("foo")
	require.True(t, ok)
	assert.NotEqual(t, StateConnected, ch.State())

	require.Eventually(t, func() bool { return p.network.Surfaces() == 1 }, time.Second, time.Millisecond)
	p.network.Load("foo")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))
	assert.JSONEq(t, `{"op":"x"}`, string(got))
	assert.True(t, w.Connected())
	assert.Equal(t, 0, w.Pending())
}

func TestRoundTripPreservesPayload(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		_ = req.Respond(req.Payload)
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	payloads := []string{
		`{"a":1,"b":[true,false,null],"c":{"d":"e"}}`,
		`[1,2,3]`,
		`"text"`,
		`42.5`,
	}
	for _, in := range payloads {
		reply, err := w.Request(context.Background(), json.RawMessage(in))
		require.NoError(t, err)
		assert.JSONEq(t, in, string(reply))
	}
}

func TestRejection(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	p.delegate.AddListener(echo)

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	reply, err := w.Request(context.Background(), map[string]bool{"reject": true})
	assert.Nil(t, reply)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.JSONEq(t, `{"reason":"nope"}`, string(rejected.Payload))

	reply, err = w.Request(context.Background(), map[string]bool{"reject": false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"reject":false}}`, string(reply))
}

type idLog struct {
	mu    sync.Mutex
	posts []string
}

func TestQueuedRequestsFlushInOrder(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)

	seen := &idLog{}
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		seen.mu.Lock()
		seen.posts = append(seen.posts, req.TransactionID)
		seen.mu.Unlock()
		_ = req.Respond(req.Payload)
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	const n = 50
	calls := make([]*Call, n)
	for i := range calls {
		calls[i] = w.Go(map[string]int{"n": i})
	}
	ch, _ := p.host.Channel("foo")
	assert.Equal(t, n, ch.Queued())

	seen.mu.Lock()
	assert.Empty(t, seen.posts)
	seen.mu.Unlock()

	require.Eventually(t, func() bool { return p.network.Surfaces() == 1 }, time.Second, time.Millisecond)
	p.network.Load("foo")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, call := range calls {
		reply, err := call.Wait(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(reply))
	}

	seen.mu.Lock()
	defer seen.mu.Unlock()
	require.Len(t, seen.posts, n)
	for i, id := range seen.posts {
		assert.Equal(t, calls[i].ID(), id, "position %d", i)
	}
	assert.Equal(t, 0, ch.Queued())
}

func TestWorkersShareChannel(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	p.delegate.AddListener(echo)

	a, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	b, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	_, err = a.Request(context.Background(), nil)
	require.NoError(t, err)
	reply, err := b.Request(context.Background(), map[string]int{"b": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"b":1}}`, string(reply))
	assert.Equal(t, 1, p.network.Surfaces())
}

func TestSubscribePushUnsubscribe(t *testing.T) {
	p := newPair(t, nil, nil, nil)

	subs := make(chan *Subscribed, 1)
	unsubs := make(chan *Unsubscribed, 1)
	p.delegate.AddListener(func(msg IncomingMessage) {
		switch m := msg.(type) {
		case *Subscribed:
			subs <- m
		case *Unsubscribed:
			unsubs <- m
		}
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	pushes := make(chan string, 16)
	w.OnPush(func(data json.RawMessage) { pushes <- string(data) })
	require.NoError(t, w.Subscribe(map[string]string{"topic": "ticks"}))
	assert.True(t, w.Subscribed())
	require.NoError(t, w.Subscribe(nil))

	var sub *Subscribed
	select {
	case sub = <-subs:
	case <-time.After(time.Second):
		t.Fatal("no subscribe event")
	}
	assert.Equal(t, w.ID(), sub.WorkerID)
	assert.JSONEq(t, `{"topic":"ticks"}`, string(sub.Payload))

	for i := 0; i < 3; i++ {
		require.NoError(t, sub.Push(map[string]int{"seq": i}))
	}
	for i := 0; i < 3; i++ {
		select {
		case got := <-pushes:
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), got)
		case <-time.After(time.Second):
			t.Fatalf("push %d not delivered", i)
		}
	}
	assert.Equal(t, 1, w.Pending())

	require.NoError(t, w.Unsubscribe())
	assert.False(t, w.Subscribed())
	assert.Equal(t, 0, w.Pending())

	select {
	case u := <-unsubs:
		assert.Equal(t, w.ID(), u.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("no unsubscribe event")
	}

	require.NoError(t, sub.Push(map[string]int{"seq": 99}))
	assert.Never(t, func() bool { return len(pushes) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestPushWithoutCallbackIsDropped(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	subs := make(chan *Subscribed, 1)
	p.delegate.AddListener(func(msg IncomingMessage) {
		switch m := msg.(type) {
		case *Subscribed:
			subs <- m
		default:
			echo(msg)
		}
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	require.NoError(t, w.Subscribe(nil))
	sub := <-subs
	require.NoError(t, sub.Push("ignored"))

	// the subscription stays open and requests still work
	reply, err := w.Request(context.Background(), map[string]int{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"x":1}}`, string(reply))
	assert.Equal(t, 1, w.Pending())
}

type capturePort struct {
	mu    sync.Mutex
	posts [][]byte
}

func (c *capturePort) PostMessage(data []byte) error {
	c.mu.Lock()
	c.posts = append(c.posts, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *capturePort) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func TestUnknownCorrelationIsHarmless(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	p.delegate.AddListener(echo)

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	src := &capturePort{}
	p.host.HandleMessage([]byte(`{"workerId":"`+w.ID()+`","transactionId":"nope","status":"success","data":1}`), src)
	p.host.HandleMessage([]byte(`{"workerId":"ghost","transactionId":"nope","status":"success"}`), src)
	p.host.HandleMessage([]byte(`{"__protocolRequestID__":"nope","__protocolRequestType__":"foo","status":"success"}`), src)
	p.host.HandleMessage([]byte(`not json`), src)

	reply, err := w.Request(context.Background(), map[string]int{"still": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"still":1}}`, string(reply))
	assert.Equal(t, 0, src.count())
}

func TestTimeout(t *testing.T) {
	p := newPair(t, nil, []Option{WithTimeout(50 * time.Millisecond)}, nil)
	p.delegate.AddListener(func(IncomingMessage) {})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	start := time.Now()
	_, err = w.Request(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, w.Pending())
}

func TestContextCancelAbandonsRequest(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	p.delegate.AddListener(func(IncomingMessage) {})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = w.Request(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, w.Pending())
}

func TestCancelCall(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)
	reqs := make(chan *Request, 1)
	p.delegate.AddListener(func(msg IncomingMessage) { reqs <- msg.(*Request) })

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)

	canceled := w.Go(map[string]int{"n": 1})
	kept := w.Go(map[string]int{"n": 2})
	canceled.Cancel()

	_, err = canceled.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	ch, _ := p.host.Channel("foo")
	assert.Equal(t, 1, ch.Queued())

	require.Eventually(t, func() bool { return p.network.Surfaces() == 1 }, time.Second, time.Millisecond)
	p.network.Load("foo")

	req := <-reqs
	assert.Equal(t, kept.ID(), req.TransactionID)
	require.NoError(t, req.Respond("done"))
	reply, err := kept.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(reply))
}

func TestRespondOnce(t *testing.T) {
	p := newPair(t, nil, nil, nil)
	errs := make(chan error, 2)
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		errs <- req.Respond("first")
		errs <- req.Reject("second")
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	reply, err := w.Request(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(reply))
	assert.NoError(t, <-errs)
	assert.ErrorIs(t, <-errs, ErrAlreadyReplied)
}

func TestCloseFailsPending(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	call := w.Go(nil)

	require.NoError(t, p.host.Close())
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = p.host.NewWorker("foo")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = w.Request(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenFailureKeepsChannelConnecting(t *testing.T) {
	opener := transport.OpenerFunc(func(context.Context, string, transport.Sink) (transport.Surface, error) {
		return nil, transport.ErrNoHandler
	})
	host := New(RoleHost, WithLogger(logging.Discard()), WithOpener(opener), WithTimeout(30*time.Millisecond))
	defer host.Close()

	w, err := host.NewWorker("foo")
	require.NoError(t, err)
	_, err = w.Request(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)

	ch, ok := host.Channel("foo")
	require.True(t, ok)
	assert.Equal(t, StateConnecting, ch.State())
}

func TestRoleChecks(t *testing.T) {
	delegate := New(RoleDelegate, WithLogger(logging.Discard()))
	defer delegate.Close()
	_, err := delegate.NewWorker("foo")
	assert.ErrorIs(t, err, ErrWrongRole)

	host := New(RoleHost, WithLogger(logging.Discard()))
	defer host.Close()
	_, err = host.NewWorker("foo")
	assert.ErrorIs(t, err, ErrNoOpener)

	host2 := New(RoleHost, WithLogger(logging.Discard()), WithOpener(inproc.NewNetwork()))
	defer host2.Close()
	_, err = host2.NewWorker("not a scheme")
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestLegacyEnvelope(t *testing.T) {
	p := newPair(t, nil, []Option{WithLegacyEnvelope()}, nil)

	reqs := make(chan *Request, 1)
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		reqs <- req
		_ = req.Respond(map[string]bool{"ok": true})
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	reply, err := w.Request(context.Background(), map[string]string{"op": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))

	req := <-reqs
	assert.Empty(t, req.WorkerID)
	assert.Equal(t, "foo", req.Protocol)
	assert.JSONEq(t, `{"op":"x"}`, string(req.Payload))

	assert.ErrorIs(t, w.Subscribe(nil), ErrLegacyKind)
	assert.False(t, w.Subscribed())

	call := w.Go([]int{1})
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrLegacyPayload)
	assert.Empty(t, call.ID())
}

func TestDelegateDropsDuplicates(t *testing.T) {
	st := store.NewMemoryStore()
	delegate := New(RoleDelegate, WithLogger(logging.Discard()), WithDedupe(st, time.Minute))
	defer delegate.Close()

	reqs := make(chan *Request, 4)
	delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		reqs <- req
		_ = req.Reject("no")
	})

	src := &capturePort{}
	wire := []byte(`{"workerId":"w1","transactionId":"t1","data":{"a":1}}`)
	delegate.HandleMessage(wire, src)
	delegate.HandleMessage(wire, src)
	delegate.HandleMessage([]byte(`{"workerId":"w1","transactionId":"t2"}`), src)

	require.Eventually(t, func() bool { return src.count() == 2 }, time.Second, time.Millisecond)
	assert.Len(t, reqs, 2)

	status, err := st.ReplyStatus(context.Background(), "w1:t1")
	require.NoError(t, err)
	assert.Equal(t, "rejected", status)

	var first map[string]any
	src.mu.Lock()
	require.NoError(t, json.Unmarshal(src.posts[0], &first))
	src.mu.Unlock()
	assert.Equal(t, "w1", first["workerId"])
	assert.Equal(t, "t1", first["transactionId"])
	assert.Equal(t, "rejected", first["status"])
}

func TestDelegateIgnoresRepliesAndMissingIDs(t *testing.T) {
	delegate := New(RoleDelegate, WithLogger(logging.Discard()))
	defer delegate.Close()

	got := make(chan IncomingMessage, 4)
	delegate.AddListener(func(msg IncomingMessage) { got <- msg })

	delegate.HandleMessage([]byte(`{"data":{}}`), &capturePort{})
	delegate.HandleMessage([]byte(`{"workerId":"w","transactionId":"t","status":"success"}`), &capturePort{})
	delegate.HandleMessage([]byte(`{"workerId":"w","transactionId":"t2","kind":"unsubscribe"}`), nil)

	select {
	case msg := <-got:
		u, ok := msg.(*Unsubscribed)
		require.True(t, ok, "unexpected %T", msg)
		assert.Equal(t, "w", u.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("unsubscribe not delivered")
	}
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRespondWithoutSource(t *testing.T) {
	delegate := New(RoleDelegate, WithLogger(logging.Discard()))
	defer delegate.Close()

	errs := make(chan error, 1)
	delegate.AddListener(func(msg IncomingMessage) { errs <- msg.(*Request).Respond("x") })
	delegate.HandleMessage([]byte(`{"workerId":"w","transactionId":"t"}`), nil)
	assert.ErrorIs(t, <-errs, ErrNoSource)
}

func TestRemoveListener(t *testing.T) {
	p := newPair(t, nil, []Option{WithTimeout(50 * time.Millisecond)}, nil)
	remove := p.delegate.AddListener(echo)

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	_, err = w.Request(context.Background(), nil)
	require.NoError(t, err)

	remove()
	_, err = w.Request(context.Background(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestScenarioFoo(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)
	events := make(chan *Request, 1)
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		events <- req
		_ = req.Respond(map[string]bool{"ok": true})
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	call := w.Go(map[string]string{"op": "x"})

	require.Eventually(t, func() bool { return p.network.Surfaces() == 1 }, time.Second, time.Millisecond)
	p.network.Load("foo")
	ch, _ := p.host.Channel("foo")
	<-ch.Connected()

	req := <-events
	assert.JSONEq(t, `{"op":"x"}`, string(req.Payload))
	reply, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))
}

func TestRoleAndStateStrings(t *testing.T) {
	assert.Equal(t, "host", RoleHost.String())
	assert.Equal(t, "delegate", RoleDelegate.String())
	assert.Equal(t, "role(7)", Role(7).String())
	assert.Equal(t, "connecting", StateConnecting.String())
}

func TestLegacyRequestCarryingStatus(t *testing.T) {
	p := newPair(t, nil, []Option{WithLegacyEnvelope(), WithTimeout(2 * time.Second)}, nil)

	reqs := make(chan *Request, 1)
	p.delegate.AddListener(func(msg IncomingMessage) {
		req := msg.(*Request)
		reqs <- req
		_ = req.Respond(map[string]string{"status": "updated"})
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	reply, err := w.Request(context.Background(), map[string]string{"op": "setStatus", "status": "active"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"updated"}`, string(reply))

	req := <-reqs
	assert.JSONEq(t, `{"op":"setStatus","status":"active"}`, string(req.Payload))
}

func TestUnsubscribeBeforeConnectSendsNothing(t *testing.T) {
	p := newPair(t, []inproc.Option{inproc.WithManualLoad()}, nil, nil)

	got := make(chan IncomingMessage, 4)
	p.delegate.AddListener(func(msg IncomingMessage) {
		got <- msg
		echo(msg)
	})

	w, err := p.host.NewWorker("foo")
	require.NoError(t, err)
	require.NoError(t, w.Subscribe(nil))
	require.NoError(t, w.Unsubscribe())
	assert.False(t, w.Subscribed())
	assert.Equal(t, 0, w.Pending())

	ch, _ := p.host.Channel("foo")
	assert.Equal(t, 0, ch.Queued())

	call := w.Go(map[string]int{"n": 1})
	require.Eventually(t, func() bool { return p.network.Surfaces() == 1 }, time.Second, time.Millisecond)
	p.network.Load("foo")
	_, err = call.Wait(context.Background())
	require.NoError(t, err)

	msg := <-got
	assert.Equal(t, KindRequest, msg.Kind())
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
