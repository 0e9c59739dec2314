package client

import (
	"context"
	"sync"

	"github.com/hunyxv/zerorpc"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// ErrChannelClosed channel 在收到应答前被关闭（例如 client 关闭）
var ErrChannelClosed = errors.New("zerorpc client: channel closed before reply")

// Client 发起调用，每次调用占用一个 channel，多个调用复用同一个 socket
type Client struct {
	socket *zerorpc.MultiplexingSocket
	opts   *options
	logger zerorpc.Logger
	tracer trace.Tracer

	endpoints map[string]string // 服务发现连接的节点 nodeid : endpoint
	mutex     sync.Mutex
	ready     chan struct{} // 连接第一个节点后关闭
	readyOnce sync.Once
}

var _ zerorpc.WatchCallback = (*Client)(nil)

// New 创建 client，t 一般为 zsocket.NewDealer 创建的 DEALER socket
func New(t zerorpc.Transport, opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		socket:    zerorpc.NewSocket(t, zerorpc.WithLogger(o.Logger)),
		opts:      o,
		logger:    o.Logger,
		tracer:    zerorpc.Tracer(o.TracerProvider),
		endpoints: make(map[string]string),
		ready:     make(chan struct{}),
	}
	c.socket.OnInboundCall(func(ev *zerorpc.Event) {
		// channel 已销毁后到达的应答
		c.logger.Warnf("zerorpc client: drop event %q, response_to: %s", ev.Name, ev.Header.ResponseTo)
	})
	if o.Discover != nil {
		go o.Discover.Watch(c)
	}
	return c
}

// Socket 底层多路复用 socket
func (c *Client) Socket() *zerorpc.MultiplexingSocket {
	return c.socket
}

func (c *Client) Connect(endpoint string) error {
	if err := c.socket.Connect(endpoint); err != nil {
		return err
	}
	c.markReady()
	return nil
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// WaitForNode 等待连接上至少一个节点（Connect 或服务发现）
//   使用服务发现时，在发现节点之前发出的调用会被丢弃，只能等到超时
func (c *Client) WaitForNode(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Bind(endpoint string) error {
	return c.socket.Bind(endpoint)
}

// Go 异步调用 method，done 有且只会被调用一次
func (c *Client) Go(method string, args []interface{}, done func(reply interface{}, err error), opts ...CallOption) {
	c.call(context.Background(), method, args, done, opts)
}

// Invoke 同步调用 method，并把结果解码到 reply 中（reply 为空时忽略结果）
//   ctx 取消时关闭 channel，之后到达的应答会被丢弃
func (c *Client) Invoke(ctx context.Context, method string, args []interface{}, reply interface{}, opts ...CallOption) error {
	type result struct {
		reply interface{}
		err   error
	}
	resc := make(chan result, 1)
	cancel := c.call(ctx, method, args, func(r interface{}, err error) {
		resc <- result{reply: r, err: err}
	}, opts)

	select {
	case res := <-resc:
		if res.err != nil {
			return res.err
		}
		if reply == nil {
			return nil
		}
		return zerorpc.DecodeValue(res.reply, reply)
	case <-ctx.Done():
		cancel(ctx.Err())
		return ctx.Err()
	}
}

// call 打开 channel 并发送调用，返回取消函数
func (c *Client) call(ctx context.Context, method string, args []interface{}, done func(interface{}, error), opts []CallOption) func(error) {
	co := &callOptions{Timeout: c.opts.Timeout}
	for _, f := range opts {
		f(co)
	}

	// 以下变量只在 socket 任务队列中访问
	var (
		ch        *zerorpc.Channel
		span      trace.Span
		completed bool
	)
	finish := func(reply interface{}, err error) {
		if completed {
			return
		}
		completed = true
		if span != nil {
			zerorpc.EndSpan(span, err)
		}
		done(reply, err)
	}

	ok := c.socket.Post(func() {
		// socket 已关闭但任务队列尚未退出
		if c.socket.Closed() {
			finish(nil, zerorpc.ErrAlreadyClosed)
			return
		}
		ch = c.socket.OpenChannel(nil)
		var spanCtx context.Context
		spanCtx, span = zerorpc.StartSpan(ctx, c.tracer, trace.SpanKindClient, method, ch.ID())
		ch.SetTraceContext(spanCtx)

		zerorpc.AddTimeout(ch, co.Timeout, func(err error) {
			finish(nil, errors.WithMessagef(err, "zerorpc client: call %s", method))
		})
		ch.Register(zerorpc.MiddlewareFunc(func(ev *zerorpc.Event, next func()) {
			finish(handleReply(ev))
			ch.Close()
		}))
		ch.OnClosed(func() {
			finish(nil, ErrChannelClosed)
		})

		if err := ch.Send(method, args); err != nil {
			finish(nil, err)
			ch.Destroy()
		}
	})
	if !ok {
		done(nil, zerorpc.ErrAlreadyClosed)
		return func(error) {}
	}

	return func(err error) {
		c.socket.Post(func() {
			if ch == nil || completed {
				return
			}
			finish(nil, err)
			ch.Close()
		})
	}
}

// handleReply 解析应答事件
func handleReply(ev *zerorpc.Event) (interface{}, error) {
	switch ev.Name {
	case zerorpc.EventOK:
		if len(ev.Args) == 0 {
			return nil, nil
		}
		return ev.Args[0], nil
	case zerorpc.EventERR:
		re, err := zerorpc.RemoteErrorFromEvent(ev)
		if err != nil {
			return nil, err
		}
		return nil, re
	}
	return nil, errors.Wrapf(zerorpc.ErrProtocol, "invalid event: unexpected name %q", ev.Name)
}

// AddOrUpdate 服务发现回调：连接新节点，节点地址变化时重新连接
func (c *Client) AddOrUpdate(nodeid string, metadata []byte) error {
	node, err := zerorpc.ParseNode(metadata)
	if err != nil {
		return err
	}
	endpoint := node.Endpoint.String()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if old, ok := c.endpoints[nodeid]; ok {
		if old == endpoint {
			return nil
		}
		c.disconnect(nodeid, old)
	}
	if err := c.socket.Connect(endpoint); err != nil {
		return err
	}
	c.endpoints[nodeid] = endpoint
	c.markReady()
	c.logger.Infof("zerorpc client: connect to node %s (%s)", nodeid, endpoint)
	return nil
}

// Delete 服务发现回调：断开下线的节点
func (c *Client) Delete(nodeid string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if endpoint, ok := c.endpoints[nodeid]; ok {
		c.disconnect(nodeid, endpoint)
	}
}

func (c *Client) disconnect(nodeid, endpoint string) {
	delete(c.endpoints, nodeid)
	if err := c.socket.Disconnect(endpoint); err != nil {
		c.logger.Warnf("zerorpc client: disconnect %s: %v", endpoint, err)
		return
	}
	c.logger.Infof("zerorpc client: disconnect from node %s (%s)", nodeid, endpoint)
}

// Close 停止服务发现并关闭 socket，未完成的调用返回 ErrChannelClosed
func (c *Client) Close() error {
	if c.opts.Discover != nil {
		c.opts.Discover.Stop()
	}

	var err error
	if derr := c.socket.Do(func() { err = c.socket.Close() }); derr != nil {
		return derr
	}
	return err
}

func (c *Client) Closed() bool {
	return c.socket.Closed()
}
