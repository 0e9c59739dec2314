package zerorpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWorkPoolSize 默认工作池大小
const DefaultWorkPoolSize = 10000

// InspectMethod 内置方法，返回服务已注册的方法列表
const InspectMethod = "_zerorpc_inspect"

var (
	ErrInvalidMethod = errors.New("zerorpc: register method err: invalid method")
	ErrMethodExists  = errors.New("zerorpc: register method err: method already exists")
)

// HandlerFunc 服务方法
type HandlerFunc func(ctx context.Context, args Args) (interface{}, error)

// Method 注册到服务的方法
type Method struct {
	NumArgs int // 参数个数，小于 0 表示不限
	Doc     string
	Handler HandlerFunc
}

// Server 接收调用、执行已注册的方法并回复 OK/ERR
type Server struct {
	socket *MultiplexingSocket
	opts   *options
	logger Logger
	pool   *ants.Pool
	tracer trace.Tracer

	methods    map[string]*Method
	mutex      sync.RWMutex
	registered sync.Once
}

func NewServer(t Transport, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	pool, err := ants.NewPool(o.WorkPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	s := &Server{
		socket:  NewSocket(t, opts...),
		opts:    o,
		logger:  o.Logger,
		pool:    pool,
		tracer:  Tracer(o.TracerProvider),
		methods: make(map[string]*Method),
	}
	s.methods[InspectMethod] = &Method{NumArgs: 0, Handler: s.inspect}
	s.socket.OnInboundCall(s.recv)
	return s, nil
}

// Register 注册方法
func (s *Server) Register(name string, numArgs int, handler HandlerFunc) error {
	return s.RegisterMethod(name, Method{NumArgs: numArgs, Handler: handler})
}

func (s *Server) RegisterMethod(name string, m Method) error {
	if name == "" || m.Handler == nil {
		return ErrInvalidMethod
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.methods[name]; ok {
		return errors.Wrapf(ErrMethodExists, "%q", name)
	}
	s.methods[name] = &m
	return nil
}

func (s *Server) lookup(name string) (*Method, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	m, ok := s.methods[name]
	return m, ok
}

// Socket 底层多路复用 socket
func (s *Server) Socket() *MultiplexingSocket {
	return s.socket
}

// Bind 监听端点，配置了注册中心时开始注册服务
func (s *Server) Bind(endpoint string) error {
	if err := s.socket.Bind(endpoint); err != nil {
		return err
	}
	if s.opts.Register != nil {
		s.registered.Do(func() {
			go s.opts.Register.Register()
		})
	}
	return nil
}

func (s *Server) Connect(endpoint string) error {
	return s.socket.Connect(endpoint)
}

// Close 注销服务并关闭 socket
func (s *Server) Close() error {
	if s.opts.Register != nil {
		s.opts.Register.Deregister()
	}

	var err error
	if derr := s.socket.Do(func() { err = s.socket.Close() }); derr != nil {
		return derr
	}
	s.pool.Release()
	return err
}

func (s *Server) Closed() bool {
	return s.socket.Closed()
}

// recv 收到新的调用（在 socket 任务队列中执行）
func (s *Server) recv(ev *Event) {
	if ev.Header.ResponseTo != "" {
		s.logger.Warnf("zerorpc server: drop event %q for unknown channel %s", ev.Name, ev.Header.ResponseTo)
		return
	}
	if _, ok := s.socket.Channel(ev.Header.MessageID); ok {
		s.logger.Warnf("zerorpc server: drop duplicated event %q, message_id: %s", ev.Name, ev.Header.MessageID)
		return
	}

	ch := s.socket.OpenChannel(ev)
	m, ok := s.lookup(ev.Name)
	if !ok {
		s.replyError(ch, &RemoteError{Name: "NameError", Message: fmt.Sprintf("unknown method %q", ev.Name)})
		return
	}
	if m.NumArgs >= 0 && len(ev.Args) != m.NumArgs {
		s.replyError(ch, &RemoteError{
			Name:    "TypeError",
			Message: fmt.Sprintf("%s takes %d arguments (%d given)", ev.Name, m.NumArgs, len(ev.Args)),
		})
		return
	}

	err := s.pool.Submit(func() {
		result, err := s.call(ev.Header.Trace, ch.ID(), ev.Name, m, Args(ev.Args))
		if !s.socket.Post(func() { s.reply(ch, result, err) }) {
			s.logger.Warnf("zerorpc server: socket closed, drop reply of %s", ev.Name)
		}
	})
	if err != nil {
		s.logger.Warnf("zerorpc server: submit %s: %v", ev.Name, err)
		s.replyError(ch, &RemoteError{Name: "ServiceUnavailable", Message: err.Error()})
	}
}

// call 在工作池中执行方法
func (s *Server) call(carrier map[string]string, channelID, name string, m *Method, args Args) (result interface{}, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MaxTimeoutPeriod)
	defer cancel()
	ctx, span := StartSpan(ExtractTrace(ctx, carrier), s.tracer, trace.SpanKindServer, name, channelID)
	defer func() {
		if e := recover(); e != nil {
			err = errors.WithStack(fmt.Errorf("%+v", e))
			s.logger.Errorf("[panic]: method name: %s, err: %+v", name, err)
		}
		EndSpan(span, err)
	}()

	return m.Handler(ctx, args)
}

func (s *Server) reply(ch *Channel, result interface{}, err error) {
	if err != nil {
		s.replyError(ch, err)
		return
	}
	if err := ch.Send(EventOK, []interface{}{result}); err != nil {
		// 返回值无法编码等情况，改为回复 ERR
		s.logger.Warnf("zerorpc server: reply channel %s: %v", ch.ID(), err)
		s.replyError(ch, err)
		return
	}
	ch.Close()
}

func (s *Server) replyError(ch *Channel, e error) {
	if err := ch.Send(EventERR, errorArgs(e)); err != nil {
		s.logger.Warnf("zerorpc server: reply channel %s: %v", ch.ID(), err)
		ch.Destroy()
		return
	}
	ch.Close()
}

func (s *Server) inspect(ctx context.Context, args Args) (interface{}, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	methods := make(map[string]interface{}, len(s.methods))
	for name, m := range s.methods {
		if name == InspectMethod {
			continue
		}
		methods[name] = map[string]interface{}{
			"args": argNames(m.NumArgs),
			"doc":  m.Doc,
		}
	}
	return map[string]interface{}{
		"name":    s.opts.Node.ServiceName,
		"methods": methods,
	}, nil
}

func argNames(n int) []interface{} {
	if n < 0 {
		return []interface{}{map[string]interface{}{"name": "*args"}}
	}
	names := make([]interface{}, n)
	for i := range names {
		names[i] = map[string]interface{}{"name": fmt.Sprintf("arg%d", i)}
	}
	return names
}
