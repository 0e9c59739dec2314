package zerorpc

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
)

func TestLocalChannelHeaders(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var ch *Channel
	do(t, s, func() {
		ch = s.OpenChannel(nil)
		ch.outBuffer.SetCapacity(2)
		if err := ch.Send("first", nil); err != nil {
			t.Error(err)
		}
		if err := ch.Send("second", []interface{}{1}); err != nil {
			t.Error(err)
		}
	})

	evs := tr.events(t)
	if len(evs) != 2 {
		t.Fatalf("want 2 events, got %d", len(evs))
	}
	if !ch.Local() {
		t.Fatal("channel should be local")
	}
	if evs[0].Header.MessageID != ch.ID() || evs[0].Header.ResponseTo != "" {
		t.Fatalf("first message should carry channel id as message_id: %+v", evs[0].Header)
	}
	if evs[1].Header.ResponseTo != ch.ID() || evs[1].Header.MessageID == ch.ID() {
		t.Fatalf("later messages should reply to channel id: %+v", evs[1].Header)
	}
	if evs[1].Header.Version != ProtocolVersion {
		t.Fatalf("unexpected version %d", evs[1].Header.Version)
	}
}

func TestRemoteChannelHeaders(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	src := NewEvent([][]byte{[]byte("peer")}, Header{Version: ProtocolVersion, MessageID: "abc"}, "hello", nil)
	do(t, s, func() {
		ch := s.OpenChannel(src)
		if ch.ID() != "abc" || ch.Local() {
			t.Errorf("unexpected channel %s local=%v", ch.ID(), ch.Local())
		}
		if err := ch.Send(EventOK, []interface{}{"hi"}); err != nil {
			t.Error(err)
		}
	})

	tr.mu.Lock()
	frames := tr.sent[0]
	tr.mu.Unlock()
	if string(frames[0]) != "peer" {
		t.Fatalf("reply should be routed to peer, got %q", frames[0])
	}
	ev := tr.events(t)[0]
	if ev.Header.ResponseTo != "abc" || ev.Header.MessageID == "abc" {
		t.Fatalf("unexpected header %+v", ev.Header)
	}
}

func TestChannelFlushOrder(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var ch *Channel
	do(t, s, func() {
		ch = s.OpenChannel(nil)
		for _, name := range []string{"a", "b", "c"} {
			if err := ch.Send(name, nil); err != nil {
				t.Error(err)
			}
		}
		if ch.outBuffer.Len() != 2 {
			t.Errorf("want 2 queued events, got %d", ch.outBuffer.Len())
		}
	})
	if tr.sentCount() != 1 {
		t.Fatalf("only one event may be sent without credit, got %d", tr.sentCount())
	}

	tr.inject(t, reply(ch.ID(), EventMore, 5))
	waitFor(t, func() bool { return tr.sentCount() == 3 })

	evs := tr.events(t)
	for i, name := range []string{"a", "b", "c"} {
		if evs[i].Name != name {
			t.Fatalf("event %d: want %s, got %s", i, name, evs[i].Name)
		}
	}
	do(t, s, func() {
		if ch.outBuffer.Capacity() != 3 {
			t.Errorf("want remaining capacity 3, got %d", ch.outBuffer.Capacity())
		}
	})
}

func TestChannelCloseDrains(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	do(t, s, func() {
		ch := s.OpenChannel(nil)
		ch.outBuffer.SetCapacity(0)
		for _, name := range []string{"x", "y", "z"} {
			ch.Send(name, nil)
		}
		ch.outBuffer.SetCapacity(3)

		var closing, closed bool
		ch.OnClosing(func() { closing = true })
		ch.OnClosed(func() { closed = true })
		ch.Close()

		if ch.State() != StateClosed || !closing || !closed {
			t.Errorf("channel should be closed, state %s", ch.State())
		}
		if _, ok := s.Channel(ch.ID()); ok {
			t.Error("closed channel should be removed from socket")
		}
	})

	evs := tr.events(t)
	if len(evs) != 3 || evs[0].Name != "x" || evs[1].Name != "y" || evs[2].Name != "z" {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestChannelClosingWaitsForCredit(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var ch *Channel
	do(t, s, func() {
		ch = s.OpenChannel(nil)
		ch.Send("a", nil)
		ch.Send("b", nil)
		ch.Close()
		if ch.State() != StateClosing {
			t.Errorf("want closing, got %s", ch.State())
		}
		if err := ch.Send("c", nil); !errors.Is(err, ErrInvalidState) {
			t.Errorf("send on closing channel: %v", err)
		}
	})

	tr.inject(t, reply(ch.ID(), EventMore, 1))
	waitFor(t, func() bool { return tr.sentCount() == 2 })
	do(t, s, func() {
		if ch.State() != StateClosed {
			t.Errorf("want closed, got %s", ch.State())
		}
	})
}

func TestChannelInvalidMore(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	errc := make(chan error, 2)
	var ch *Channel
	do(t, s, func() {
		s.OnError(func(err error) { errc <- err })
		ch = s.OpenChannel(nil)
	})
	tr.inject(t, reply(ch.ID(), EventMore))
	tr.inject(t, reply(ch.ID(), EventMore, "many"))

	for i := 0; i < 2; i++ {
		if err := <-errc; !errors.Is(err, ErrProtocol) {
			t.Fatalf("want protocol error, got %v", err)
		}
	}
}

func TestChannelDispatchInOrder(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var (
		mu    sync.Mutex
		names []string
	)
	var ch *Channel
	do(t, s, func() {
		ch = s.OpenChannel(nil)
		ch.Register(MiddlewareFunc(func(ev *Event, next func()) {
			if ch.inBuffer.Capacity() < 0 {
				t.Errorf("negative inbound capacity %d", ch.inBuffer.Capacity())
			}
			next()
		}))
		ch.Register(MiddlewareFunc(func(ev *Event, next func()) {
			mu.Lock()
			names = append(names, ev.Name)
			mu.Unlock()
		}))
	})

	for _, name := range []string{"1", "2", "3", "4"} {
		tr.inject(t, reply(ch.ID(), name))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	for i, name := range []string{"1", "2", "3", "4"} {
		if names[i] != name {
			t.Fatalf("dispatch order: %v", names)
		}
	}
	do(t, s, func() {
		if ch.inBuffer.Capacity() != inCapacity || ch.inBuffer.Len() != 0 {
			t.Errorf("inbound credit not restored: %d/%d", ch.inBuffer.Capacity(), ch.inBuffer.Len())
		}
	})
}

func TestChannelSendAfterClose(t *testing.T) {
	s := NewSocket(newFakeTransport())
	defer s.Do(func() { s.Close() })

	do(t, s, func() {
		ch := s.OpenChannel(nil)
		ch.Destroy()
		if err := ch.Send("late", nil); !errors.Is(err, ErrInvalidState) {
			t.Errorf("want invalid state, got %v", err)
		}
		// 重复关闭无影响
		ch.Close()
		ch.Destroy()
	})
}

func TestChannelSendNotEncodable(t *testing.T) {
	tr := newFakeTransport()
	s := NewSocket(tr)
	defer s.Do(func() { s.Close() })

	var ch *Channel
	do(t, s, func() {
		ch = s.OpenChannel(nil)
		err := ch.Send(EventOK, []interface{}{make(chan int)})
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("want protocol error, got %v", err)
		}
		if ch.outBuffer.Capacity() != outCapacity || ch.outBuffer.Len() != 0 {
			t.Errorf("credit taken by failed send: %d/%d", ch.outBuffer.Capacity(), ch.outBuffer.Len())
		}
		// 失败的消息不算第一条消息
		if err := ch.Send(EventERR, []interface{}{"Error", "unencodable", ""}); err != nil {
			t.Error(err)
		}
		ch.Close()
		if ch.State() != StateClosed {
			t.Errorf("channel should be destroyed, got %s", ch.State())
		}
		if _, ok := s.Channel(ch.ID()); ok {
			t.Error("channel still in table")
		}
	})

	evs := tr.events(t)
	if len(evs) != 1 || evs[0].Name != EventERR {
		t.Fatalf("want one ERR, got %d events", len(evs))
	}
	if evs[0].Header.MessageID != ch.ID() || evs[0].Header.ResponseTo != "" {
		t.Fatalf("first transmitted message should open the channel: %+v", evs[0].Header)
	}
}
