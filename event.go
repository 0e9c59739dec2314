package zerorpc

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion zerorpc 协议版本
const ProtocolVersion = 3

const (
	EventOK   = "OK"        // 调用成功，args[0] 为返回值
	EventERR  = "ERR"       // 调用失败，args 为 [kind, message, trace]
	EventMore = "_zpc_more" // 对端补充发送额度，args[0] 为额度
)

// Header 消息头
type Header struct {
	Version    int    `msgpack:"v"`
	MessageID  string `msgpack:"message_id"`
	ResponseTo string `msgpack:"response_to,omitempty"`
	// Trace 链路追踪信息（W3C traceparent 等），只在调用的第一条消息中携带
	Trace map[string]string `msgpack:"trace,omitempty"`
}

// Event 一条协议消息
//   Routing 是 ROUTER 套接字加在消息前的地址帧，本地产生的消息为空
type Event struct {
	Routing [][]byte
	Header  Header
	Name    string
	Args    []interface{}
}

// NewEvent 创建一个事件
func NewEvent(routing [][]byte, header Header, name string, args []interface{}) *Event {
	if args == nil {
		args = []interface{}{}
	}
	return &Event{
		Routing: routing,
		Header:  header,
		Name:    name,
		Args:    args,
	}
}

type wireEvent struct {
	_msgpack struct{} `msgpack:",as_array"`

	Header Header
	Name   string
	Args   []interface{}
}

// Encode 将事件编码为多帧消息: [...routing, "", payload]
func Encode(ev *Event) ([][]byte, error) {
	args := ev.Args
	if args == nil {
		args = []interface{}{}
	}
	payload, err := msgpack.Marshal(&wireEvent{
		Header: ev.Header,
		Name:   ev.Name,
		Args:   args,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrProtocol, "encode event %q: %v", ev.Name, err)
	}

	frames := make([][]byte, 0, len(ev.Routing)+2)
	frames = append(frames, ev.Routing...)
	frames = append(frames, []byte{}, payload)
	return frames, nil
}

// Decode 解析多帧消息，是 Encode 的逆操作
func Decode(frames [][]byte) (*Event, error) {
	l := len(frames)
	if l < 2 {
		return nil, errors.Wrapf(ErrProtocol, "expected at least 2 frames, got %d", l)
	}
	if len(frames[l-2]) != 0 {
		return nil, errors.Wrap(ErrProtocol, "expected second to last frame to be an empty delimiter")
	}

	dec := msgpack.NewDecoder(bytes.NewReader(frames[l-1]))
	dec.UseLooseInterfaceDecoding(true)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.Wrapf(ErrProtocol, "invalid event: %v", err)
	}
	if n != 3 {
		return nil, errors.Wrapf(ErrProtocol, "invalid event: expected 3 fields, got %d", n)
	}

	ev := &Event{}
	if err := dec.Decode(&ev.Header); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "invalid event header: %v", err)
	}
	if ev.Header.MessageID == "" {
		return nil, errors.Wrap(ErrProtocol, "invalid event header: missing message_id")
	}
	if ev.Name, err = dec.DecodeString(); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "invalid event name: %v", err)
	}
	if ev.Args, err = dec.DecodeSlice(); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "invalid event args: %v", err)
	}
	if ev.Args == nil {
		ev.Args = []interface{}{}
	}

	if l > 2 {
		ev.Routing = make([][]byte, l-2)
		copy(ev.Routing, frames[:l-2])
	}
	return ev, nil
}
