package client

import (
	"time"

	"github.com/hunyxv/zerorpc"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout 默认调用超时时间
const DefaultTimeout = 30 * time.Second

type Option func(opt *options)

type options struct {
	Timeout        time.Duration          // 调用超时时间
	Logger         zerorpc.Logger         // logger
	Discover       zerorpc.ServiceDiscover // 服务发现组件
	TracerProvider trace.TracerProvider
}

func newOptions(opts []Option) *options {
	defOpts := &options{
		Timeout: DefaultTimeout,
		Logger:  zerorpc.DefaultLogger,
	}
	for _, f := range opts {
		f(defOpts)
	}
	return defOpts
}

// WithTimeout 设置调用超时时间
func WithTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.Timeout = t
	}
}

func WithLogger(logger zerorpc.Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithDiscover 配置服务发现组件，发现的节点会自动连接
func WithDiscover(d zerorpc.ServiceDiscover) Option {
	return func(opt *options) {
		opt.Discover = d
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opt *options) {
		opt.TracerProvider = tp
	}
}

// CallOption 单次调用的配置
type CallOption func(opt *callOptions)

type callOptions struct {
	Timeout time.Duration
}

// CallTimeout 覆盖本次调用的超时时间
func CallTimeout(t time.Duration) CallOption {
	return func(opt *callOptions) {
		opt.Timeout = t
	}
}
