package zerorpc

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEventCodec(t *testing.T) {
	ev := NewEvent(
		[][]byte{[]byte("peer-1"), []byte("peer-2")},
		Header{Version: ProtocolVersion, MessageID: NewMessageID(), ResponseTo: "abc"},
		"add",
		[]interface{}{1, "two", 3.5, []interface{}{true, nil}},
	)

	frames, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 || len(frames[2]) != 0 {
		t.Fatalf("unexpected framing: %q", frames)
	}

	got, err := Decode(frames)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header.MessageID != ev.Header.MessageID || got.Header.ResponseTo != "abc" ||
		got.Header.Version != ProtocolVersion || got.Name != ev.Name {
		t.Fatalf("want %+v, got %+v", ev, got)
	}
	if len(got.Routing) != 2 || !bytes.Equal(got.Routing[0], []byte("peer-1")) || !bytes.Equal(got.Routing[1], []byte("peer-2")) {
		t.Fatalf("routing mismatch: %q", got.Routing)
	}
	if len(got.Args) != 4 {
		t.Fatalf("args mismatch: %v", got.Args)
	}
	if v, ok := got.Args[0].(int64); !ok || v != 1 {
		t.Fatalf("want int64 1, got %#v", got.Args[0])
	}
	if got.Args[1] != "two" || got.Args[2] != 3.5 {
		t.Fatalf("args mismatch: %v", got.Args)
	}
	nested, ok := got.Args[3].([]interface{})
	if !ok || len(nested) != 2 || nested[0] != true || nested[1] != nil {
		t.Fatalf("nested args mismatch: %#v", got.Args[3])
	}
}

func TestEventCodecNoRouting(t *testing.T) {
	ev := NewEvent(nil, Header{Version: ProtocolVersion, MessageID: "id"}, "ping", nil)
	frames, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("want 2 frames, got %d", len(frames))
	}
	got, err := Decode(frames)
	if err != nil {
		t.Fatal(err)
	}
	if got.Routing != nil || len(got.Args) != 0 || got.Header.ResponseTo != "" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	payload := func(v interface{}) []byte {
		b, err := msgpack.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	header := map[string]interface{}{"v": 3, "message_id": "id"}

	cases := map[string][][]byte{
		"single frame":      {payload([]interface{}{header, "a", []interface{}{}})},
		"missing delimiter": {[]byte("x"), payload([]interface{}{header, "a", []interface{}{}})},
		"not an array":      {{}, payload("hello")},
		"two fields":        {{}, payload([]interface{}{header, "a"})},
		"no message id":     {{}, payload([]interface{}{map[string]interface{}{"v": 3}, "a", []interface{}{}})},
		"bad header":        {{}, payload([]interface{}{"header", "a", []interface{}{}})},
		"bad name":          {{}, payload([]interface{}{header, 1, []interface{}{}})},
		"bad args":          {{}, payload([]interface{}{header, "a", "args"})},
		"garbage":           {{}, []byte{0xc1}},
	}
	for name, frames := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(frames); !errors.Is(err, ErrProtocol) {
				t.Fatalf("want protocol error, got %v", err)
			}
		})
	}
}

func TestRemoteErrorFromEvent(t *testing.T) {
	ev := NewEvent(nil, Header{MessageID: "id"}, EventERR, []interface{}{"NameError", "unknown method", nil})
	re, err := RemoteErrorFromEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if re.Name != "NameError" || re.Message != "unknown method" || re.Trace != "" {
		t.Fatalf("unexpected remote error %+v", re)
	}

	for _, args := range [][]interface{}{
		{"NameError", "unknown method"},
		{1, "msg", ""},
		{"Kind", 2, ""},
	} {
		ev.Args = args
		if _, err := RemoteErrorFromEvent(ev); !errors.Is(err, ErrProtocol) {
			t.Fatalf("args %v: want protocol error, got %v", args, err)
		}
	}
}

func TestErrorArgs(t *testing.T) {
	args := errorArgs(&RemoteError{Name: "TypeError", Message: "bad"})
	if args[0] != "TypeError" || args[1] != "bad" {
		t.Fatalf("unexpected args %v", args)
	}

	args = errorArgs(errors.New("boom"))
	if args[0] != "Error" || args[1] != "boom" {
		t.Fatalf("unexpected args %v", args)
	}
	if trace, _ := args[2].(string); trace == "" {
		t.Fatal("stack trace should be attached")
	}
}
