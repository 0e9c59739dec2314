package zerorpc

import (
	"context"

	"github.com/pkg/errors"
)

// State channel 状态
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	inCapacity  = 1 // 同时只处理一条收到的消息
	outCapacity = 1 // 未得到对端额度前只发送一条消息
)

// headerStrategy 不同发起方的 channel 生成消息头的方式不同
//   header 不改变状态，消息编码成功后才调用 commit
type headerStrategy interface {
	header(id string) Header
	commit()
}

// remoteHeaders 对端发起的 channel，所有消息都带 response_to
type remoteHeaders struct{}

func (remoteHeaders) header(id string) Header {
	return Header{Version: ProtocolVersion, MessageID: NewMessageID(), ResponseTo: id}
}

func (remoteHeaders) commit() {}

// localHeaders 本端发起的 channel，第一条消息用 message_id 告知对端 channel id
type localHeaders struct {
	sent bool
}

func (h *localHeaders) header(id string) Header {
	if !h.sent {
		return Header{Version: ProtocolVersion, MessageID: id}
	}
	return Header{Version: ProtocolVersion, MessageID: NewMessageID(), ResponseTo: id}
}

func (h *localHeaders) commit() { h.sent = true }

// Channel 一次请求/应答交互，多个 channel 复用同一个 socket
//   Channel 的方法只能在所属 socket 的任务队列中调用（中间件、回调内或通过 socket.Post）
type Channel struct {
	id        string
	state     State
	routing   [][]byte
	socket    *MultiplexingSocket
	headers   headerStrategy
	inBuffer  *ChannelBuffer
	outBuffer *ChannelBuffer
	chain     []Middleware
	trace     map[string]string
	onClosing []func()
	onClosed  []func()
}

func newChannel(id string, routing [][]byte, socket *MultiplexingSocket, headers headerStrategy) *Channel {
	return &Channel{
		id:        id,
		state:     StateOpen,
		routing:   routing,
		socket:    socket,
		headers:   headers,
		inBuffer:  NewChannelBuffer(inCapacity),
		outBuffer: NewChannelBuffer(outCapacity),
	}
}

func (ch *Channel) ID() string { return ch.id }

func (ch *Channel) State() State { return ch.state }

// Local 是否为本端发起的 channel
func (ch *Channel) Local() bool {
	_, ok := ch.headers.(*localHeaders)
	return ok
}

// Routing 对端地址帧（本端发起的 channel 为空）
func (ch *Channel) Routing() [][]byte { return ch.routing }

// Register 添加中间件，按注册顺序执行
func (ch *Channel) Register(m Middleware) {
	ch.chain = append(ch.chain, m)
}

// SetTraceContext 本端发起的调用携带 ctx 中的链路信息
func (ch *Channel) SetTraceContext(ctx context.Context) {
	ch.trace = InjectTrace(ctx)
}

// OnClosing channel 进入 closing 状态时回调
func (ch *Channel) OnClosing(fn func()) {
	ch.onClosing = append(ch.onClosing, fn)
}

// OnClosed channel 销毁时回调
func (ch *Channel) OnClosed(fn func()) {
	ch.onClosed = append(ch.onClosed, fn)
}

// invoke 收到属于本 channel 的消息
func (ch *Channel) invoke(ev *Event) {
	if ev.Name == EventMore {
		// closing 状态下仍需要额度把缓冲区发完
		if ch.state != StateClosed {
			ch.replenish(ev)
		}
		return
	}
	if ch.state != StateOpen {
		return
	}

	ch.inBuffer.Add(ev)
	if ch.inBuffer.HasCapacity() {
		ch.inBuffer.DecrementCapacity()
		ch.socket.Post(ch.dispatch)
	}
	// 没有额度说明已有 dispatch 在排队，处理完会继续调度
}

// dispatch 取出一条消息，依次执行中间件
func (ch *Channel) dispatch() {
	if ch.state == StateClosed {
		return
	}
	ev := ch.inBuffer.Remove()
	if ev == nil {
		ch.inBuffer.SetCapacity(inCapacity)
		return
	}

	i := -1
	var next func()
	next = func() {
		i++
		if i < len(ch.chain) {
			ch.chain[i].Handle(ev, next)
		}
	}
	next()

	if ch.state == StateClosed {
		return
	}
	ch.inBuffer.SetCapacity(inCapacity)
	if ch.inBuffer.Len() > 0 {
		ch.inBuffer.DecrementCapacity()
		ch.socket.Post(ch.dispatch)
	}
}

// replenish 对端补充发送额度
func (ch *Channel) replenish(ev *Event) {
	var capacity int
	if len(ev.Args) == 0 {
		ch.socket.emitError(errors.Wrapf(ErrProtocol, "channel %s: %s without capacity", ch.id, EventMore))
		return
	}
	if err := DecodeValue(ev.Args[0], &capacity); err != nil || capacity < 0 {
		ch.socket.emitError(errors.Wrapf(ErrProtocol, "channel %s: invalid %s capacity %v", ch.id, EventMore, ev.Args[0]))
		return
	}
	ch.outBuffer.SetCapacity(capacity)
	ch.flush()
}

// Send 发送消息，没有额度时放入发送缓冲区
//   无法编码的消息直接返回错误，不占用额度，也不改变 channel 状态
func (ch *Channel) Send(name string, args []interface{}) error {
	if ch.state != StateOpen {
		return errors.Wrapf(ErrInvalidState, "cannot send on %s channel %s", ch.state, ch.id)
	}

	header := ch.headers.header(ch.id)
	if header.ResponseTo == "" {
		header.Trace = ch.trace
	}
	ev := NewEvent(ch.routing, header, name, args)
	frames, err := Encode(ev)
	if err != nil {
		return errors.WithMessagef(err, "channel %s", ch.id)
	}
	ch.headers.commit()

	if ch.outBuffer.HasCapacity() {
		return ch.transmit(frames)
	}
	ch.outBuffer.Add(ev)
	return nil
}

// transmit 占用一个额度发送，发送失败时归还
func (ch *Channel) transmit(frames [][]byte) error {
	ch.outBuffer.DecrementCapacity()
	err := ch.socket.transmit(frames)
	if err != nil {
		ch.outBuffer.SetCapacity(ch.outBuffer.Capacity() + 1)
	}
	return err
}

// flush 在额度允许的范围内发送缓冲区中的消息
func (ch *Channel) flush() {
	for ch.outBuffer.Len() > 0 && ch.outBuffer.HasCapacity() {
		ev := ch.outBuffer.Remove()
		// 入队前已编码成功过
		frames, err := Encode(ev)
		if err != nil {
			ch.socket.emitError(err)
			continue
		}
		ch.transmit(frames)
	}
	if ch.state == StateClosing && ch.outBuffer.Len() == 0 {
		ch.Destroy()
	}
}

// Close 进入 closing 状态，发送缓冲区清空后自动销毁
func (ch *Channel) Close() {
	if ch.state != StateOpen {
		return
	}
	ch.state = StateClosing
	for _, fn := range ch.onClosing {
		fn()
	}
	ch.flush()
}

// Destroy 立即关闭并从 socket 中移除
func (ch *Channel) Destroy() {
	if ch.state == StateClosed {
		return
	}
	ch.state = StateClosed
	for _, fn := range ch.onClosed {
		fn()
	}
	ch.socket.removeChannel(ch.id)
}
