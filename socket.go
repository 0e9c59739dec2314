package zerorpc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hunyxv/utils/timer"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MultiplexingSocket 将一个底层 socket 的消息流分发到多个 channel
//   根据 response_to 找到对应的 channel，找不到则作为新的调用交给上层处理。
//   除 Bind/Connect/Disconnect/Closed/Post/Do 外，其他方法只能在 socket 的任务队列中调用
type MultiplexingSocket struct {
	transport Transport
	logger    Logger
	loop      *loop
	channels  map[string]*Channel // channel id : channel
	closed    int32

	wheel     *timer.HashedWheelTimer // 超时中间件使用的时间轮
	wheelPool *ants.Pool

	inboundHandlers []func(*Event)
	errorHandlers   []func(error)
}

const (
	timerTick    = 10 * time.Millisecond
	timerWorkers = 16
)

func newWheel() (*timer.HashedWheelTimer, *ants.Pool) {
	// 参数固定，创建不会失败
	pool, err := ants.NewPool(timerWorkers)
	if err != nil {
		panic(err)
	}
	wheel, err := timer.NewHashedWheelTimer(context.Background(),
		timer.WithTickDuration(timerTick),
		timer.WithWorkPool(pool),
	)
	if err != nil {
		panic(err)
	}
	go wheel.Start()
	return wheel, pool
}

// NewSocket 创建多路复用 socket，并开始接收 transport 的消息
func NewSocket(t Transport, opts ...Option) *MultiplexingSocket {
	o := newOptions(opts)
	wheel, pool := newWheel()
	s := &MultiplexingSocket{
		transport: t,
		logger:    o.Logger,
		loop:      newLoop(),
		channels:  make(map[string]*Channel),
		wheel:     wheel,
		wheelPool: pool,
	}

	go func() {
		for msg := range t.Recv() {
			msg := msg
			// socket 关闭后继续读，直到 transport 关闭 Recv
			s.loop.post(func() { s.receive(msg) })
		}
	}()
	go func() {
		for err := range t.Errors() {
			err := err
			s.loop.post(func() { s.emitError(err) })
		}
	}()
	return s
}

// Post 在 socket 的任务队列中执行 fn，socket 已关闭时返回 false
func (s *MultiplexingSocket) Post(fn func()) bool {
	return s.loop.post(fn)
}

// Do 在 socket 的任务队列中执行 fn 并等待其完成（不能在任务队列中调用）
func (s *MultiplexingSocket) Do(fn func()) error {
	done := make(chan struct{})
	if !s.loop.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrAlreadyClosed
	}
	<-done
	return nil
}

// after d 之后在任务队列中执行 fn
//   时间轮按 tick 计时，向上取整保证不早于 d 执行；任务提交后不取消，由 fn 自行判断是否仍需执行
func (s *MultiplexingSocket) after(d time.Duration, fn func()) {
	s.wheel.Submit(d+timerTick-1, func() { s.loop.post(fn) })
}

func (s *MultiplexingSocket) Bind(endpoint string) error {
	return s.transport.Bind(endpoint)
}

func (s *MultiplexingSocket) Connect(endpoint string) error {
	return s.transport.Connect(endpoint)
}

func (s *MultiplexingSocket) Disconnect(endpoint string) error {
	return s.transport.Disconnect(endpoint)
}

// OnInboundCall 收到不属于任何 channel 的消息时回调
func (s *MultiplexingSocket) OnInboundCall(fn func(*Event)) {
	s.inboundHandlers = append(s.inboundHandlers, fn)
}

// OnError 解析失败、底层错误等异步错误回调，未设置时写日志
func (s *MultiplexingSocket) OnError(fn func(error)) {
	s.errorHandlers = append(s.errorHandlers, fn)
}

func (s *MultiplexingSocket) emitError(err error) {
	if len(s.errorHandlers) == 0 {
		s.logger.Warnf("zerorpc socket: %v", err)
		return
	}
	for _, fn := range s.errorHandlers {
		fn(err)
	}
}

func (s *MultiplexingSocket) receive(frames [][]byte) {
	if s.Closed() {
		return
	}
	ev, err := Decode(frames)
	if err != nil {
		s.emitError(err)
		return
	}

	if ch, ok := s.channels[ev.Header.ResponseTo]; ok {
		ch.invoke(ev)
		return
	}
	if len(s.inboundHandlers) == 0 {
		s.logger.Debugf("zerorpc socket: drop event %q, response_to: %q", ev.Name, ev.Header.ResponseTo)
		return
	}
	for _, fn := range s.inboundHandlers {
		fn(ev)
	}
}

// OpenChannel 打开一个 channel
//   src 不为空时表示对端发起的调用，channel id 为 src 的 message_id；否则由本端生成 id
func (s *MultiplexingSocket) OpenChannel(src *Event) *Channel {
	var ch *Channel
	if src != nil {
		ch = newChannel(src.Header.MessageID, src.Routing, s, remoteHeaders{})
	} else {
		ch = newChannel(NewMessageID(), nil, s, &localHeaders{})
	}
	s.channels[ch.id] = ch
	return ch
}

// Channel 查找已打开的 channel
func (s *MultiplexingSocket) Channel(id string) (*Channel, bool) {
	ch, ok := s.channels[id]
	return ch, ok
}

// Len 打开的 channel 数量
func (s *MultiplexingSocket) Len() int {
	return len(s.channels)
}

func (s *MultiplexingSocket) removeChannel(id string) {
	delete(s.channels, id)
}

// Send 编码并发送事件，失败不重试
func (s *MultiplexingSocket) Send(ev *Event) error {
	frames, err := Encode(ev)
	if err != nil {
		s.emitError(err)
		return err
	}
	return s.transmit(frames)
}

func (s *MultiplexingSocket) transmit(frames [][]byte) error {
	err := s.transport.Send(frames)
	if err != nil {
		err = errors.WithMessage(err, "send")
		s.emitError(err)
	}
	return err
}

// Close 关闭 socket 并销毁所有 channel
func (s *MultiplexingSocket) Close() error {
	return s.close(nil)
}

// CloseLinger 设置 linger 后关闭 socket
func (s *MultiplexingSocket) CloseLinger(linger time.Duration) error {
	return s.close(&linger)
}

func (s *MultiplexingSocket) close(linger *time.Duration) error {
	if s.Closed() {
		return ErrAlreadyClosed
	}

	var err error
	if linger != nil {
		err = s.transport.SetLinger(*linger)
	}
	if cerr := s.transport.Close(); err == nil {
		err = cerr
	}

	ids := maps.Keys(s.channels)
	slices.Sort(ids)
	for _, id := range ids {
		if ch, ok := s.channels[id]; ok {
			ch.Destroy()
		}
	}
	atomic.StoreInt32(&s.closed, 1)
	s.wheel.Stop()
	s.wheelPool.Release()
	s.loop.stop()
	return err
}

// Closed socket 是否已关闭
func (s *MultiplexingSocket) Closed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}
