package zerorpc

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

type Option func(opt *options)

type options struct {
	Logger           Logger               // logger
	MaxTimeoutPeriod time.Duration        // 函数执行最大时间期限
	WorkPoolSize     int                  // 工作池大小
	Node             Node                 // 节点信息：服务名称、监听地址
	Register         ServiceRegister      // 服务注册
	TracerProvider   trace.TracerProvider // 链路追踪
}

func newOptions(opts []Option) *options {
	defOpts := &options{
		Logger:           DefaultLogger,
		MaxTimeoutPeriod: 5 * time.Minute,
		WorkPoolSize:     DefaultWorkPoolSize,
		Node:             DefaultNode,
	}
	for _, f := range opts {
		f(defOpts)
	}
	return defOpts
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithMaxTimeoutPeriod 函数执行最大时间期限
func WithMaxTimeoutPeriod(t time.Duration) Option {
	return func(opt *options) {
		opt.MaxTimeoutPeriod = t
	}
}

// WithWorkPoolSize 设置工作池大小
func WithWorkPoolSize(size int) Option {
	return func(opt *options) {
		opt.WorkPoolSize = size
	}
}

// WithNode 设置节点信息
func WithNode(node Node) Option {
	return func(opt *options) {
		opt.Node = node
	}
}

// WithRegister 服务启动后注册到注册中心
func WithRegister(r ServiceRegister) Option {
	return func(opt *options) {
		opt.Register = r
	}
}

// WithTracerProvider 设置链路追踪 TracerProvider（默认使用全局的）
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opt *options) {
		opt.TracerProvider = tp
	}
}
