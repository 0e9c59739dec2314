package zerorpc

import (
	"time"

	"github.com/pkg/errors"
)

// Middleware channel 收到消息后依次执行的处理器
//   除最后一个处理器外，处理完成后应调用 next 继续执行
type Middleware interface {
	Handle(ev *Event, next func())
}

// MiddlewareFunc 函数形式的 Middleware
type MiddlewareFunc func(ev *Event, next func())

func (f MiddlewareFunc) Handle(ev *Event, next func()) {
	f(ev, next)
}

// Timeout 超时中间件：channel 在期限内没有收到任何消息时回调 onExpire 并关闭 channel
type Timeout struct {
	ch       *Channel
	timeout  time.Duration
	onExpire func(error)
	done     bool
}

var _ Middleware = (*Timeout)(nil)

// AddTimeout 为 channel 添加超时中间件，计时立即开始
func AddTimeout(ch *Channel, timeout time.Duration, onExpire func(error)) *Timeout {
	t := &Timeout{
		ch:       ch,
		timeout:  timeout,
		onExpire: onExpire,
	}
	ch.socket.after(timeout, t.expire)
	ch.Register(t)
	ch.OnClosed(t.Stop)
	return t
}

// Handle 收到第一条消息即取消计时
func (t *Timeout) Handle(ev *Event, next func()) {
	t.Stop()
	next()
}

// Stop 取消计时，时间轮中的任务到期后直接丢弃
func (t *Timeout) Stop() {
	t.done = true
}

func (t *Timeout) expire() {
	if t.done {
		return
	}
	t.done = true
	if t.onExpire != nil {
		t.onExpire(errors.Wrapf(ErrTimeoutExpired, "timeout after %s", t.timeout))
	}
	t.ch.Close()
}
