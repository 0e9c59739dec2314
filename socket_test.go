package zerorpc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// fakeTransport 记录发送的消息，通过 inject 模拟收到的消息
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][][]byte
	linger  time.Duration
	closed  bool
	sendErr error

	recv chan [][]byte
	errs chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recv: make(chan [][]byte, 64),
		errs: make(chan error, 64),
	}
}

func (f *fakeTransport) Bind(string) error       { return nil }
func (f *fakeTransport) Connect(string) error    { return nil }
func (f *fakeTransport) Disconnect(string) error { return nil }

func (f *fakeTransport) Send(frames [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frames)
	return nil
}

func (f *fakeTransport) Recv() <-chan [][]byte { return f.recv }
func (f *fakeTransport) Errors() <-chan error  { return f.errs }

func (f *fakeTransport) SetLinger(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linger = d
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) events(t *testing.T) []*Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := make([]*Event, 0, len(f.sent))
	for _, frames := range f.sent {
		ev, err := Decode(frames)
		if err != nil {
			t.Fatal(err)
		}
		evs = append(evs, ev)
	}
	return evs
}

func (f *fakeTransport) inject(t *testing.T, ev *Event) {
	t.Helper()
	frames, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	f.recv <- frames
}

func do(t *testing.T, s *MultiplexingSocket, fn func()) {
	t.Helper()
	if err := s.Do(fn); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func reply(to, name string, args ...interface{}) *Event {
	return NewEvent(nil, Header{Version: ProtocolVersion, MessageID: NewMessageID(), ResponseTo: to}, name, args)
}

func TestSocketDemux(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var (
		mu        sync.Mutex
		delivered []string
		inbound   []*Event
	)
	record := func(name string) Middleware {
		return MiddlewareFunc(func(ev *Event, next func()) {
			mu.Lock()
			delivered = append(delivered, name+":"+ev.Name)
			mu.Unlock()
		})
	}
	s.OnInboundCall(func(ev *Event) {
		mu.Lock()
		delivered = append(delivered, "inbound:"+ev.Name)
		inbound = append(inbound, ev)
		mu.Unlock()
	})

	var a, b *Channel
	do(t, s, func() {
		a = s.OpenChannel(nil)
		b = s.OpenChannel(nil)
		a.Register(record("a"))
		b.Register(record("b"))
	})

	call := NewEvent(nil, Header{Version: ProtocolVersion, MessageID: NewMessageID()}, "call", nil)
	for i, ev := range []*Event{reply(a.ID(), "e1"), call, reply(b.ID(), "e3")} {
		tr.inject(t, ev)
		n := i + 1
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(delivered) == n
		})
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:e1", "inbound:call", "b:e3"}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("want %v, got %v", want, delivered)
		}
	}
	if inbound[0].Header.ResponseTo != "" || inbound[0].Header.MessageID != call.Header.MessageID {
		t.Fatalf("unexpected inbound call %+v", inbound[0].Header)
	}
}

func TestSocketDecodeError(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	errc := make(chan error, 1)
	do(t, s, func() {
		s.OnError(func(err error) { errc <- err })
	})
	tr.recv <- [][]byte{[]byte("not-empty"), []byte("payload")}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("want protocol error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decode error not reported")
	}
}

func TestSocketSendError(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = errors.New("broken pipe")
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var sendErr, emitted error
	var ch *Channel
	do(t, s, func() {
		s.OnError(func(err error) { emitted = err })
		ch = s.OpenChannel(nil)
		sendErr = ch.Send("ping", nil)
	})
	if sendErr == nil || emitted == nil {
		t.Fatalf("send error not reported: %v, %v", sendErr, emitted)
	}
	if strings.Count(emitted.Error(), "send") != 1 {
		t.Fatalf("unexpected error message %q", emitted)
	}
	do(t, s, func() {
		if ch.outBuffer.Capacity() != outCapacity {
			t.Errorf("credit not returned after failed send: %d", ch.outBuffer.Capacity())
		}
	})
}

func TestSocketClose(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)

	var destroyed []string
	var ids []string
	do(t, s, func() {
		for i := 0; i < 5; i++ {
			ch := s.OpenChannel(nil)
			ids = append(ids, ch.ID())
			ch.OnClosed(func() { destroyed = append(destroyed, ch.ID()) })
		}
	})

	var err error
	do(t, s, func() { err = s.CloseLinger(100 * time.Millisecond) })
	if err != nil {
		t.Fatal(err)
	}
	if !s.Closed() {
		t.Fatal("socket should be closed")
	}
	if tr.linger != 100*time.Millisecond || !tr.closed {
		t.Fatalf("transport not closed with linger: %v %v", tr.linger, tr.closed)
	}

	slices.Sort(ids)
	if !slices.Equal(ids, destroyed) {
		t.Fatalf("channels should be destroyed in id order: %v", destroyed)
	}
	if s.Len() != 0 {
		t.Fatalf("channel table not empty: %d", s.Len())
	}

	// 关闭后任务队列停止
	waitFor(t, func() bool { return !s.Post(func() {}) })
	if err := s.Do(func() {}); err != ErrAlreadyClosed {
		t.Fatalf("want ErrAlreadyClosed, got %v", err)
	}
}

func TestSocketDoubleClose(t *testing.T) {
	s := NewSocket(newFakeTransport())
	var first, second error
	do(t, s, func() {
		first = s.Close()
		second = s.Close()
	})
	if first != nil {
		t.Fatal(first)
	}
	if second != ErrAlreadyClosed {
		t.Fatalf("want ErrAlreadyClosed, got %v", second)
	}
}
