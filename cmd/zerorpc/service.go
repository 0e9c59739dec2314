package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hunyxv/zerorpc"
)

// registerDemo 注册演示服务的方法
func registerDemo(srv *zerorpc.Server) error {
	methods := map[string]zerorpc.Method{
		"hello": {
			NumArgs: 1,
			Doc:     "hello(name) -> greeting",
			Handler: func(ctx context.Context, args zerorpc.Args) (interface{}, error) {
				var name string
				if err := args.Decode(0, &name); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Hello, %s!", name), nil
			},
		},
		"add": {
			NumArgs: 2,
			Doc:     "add(a, b) -> a + b",
			Handler: func(ctx context.Context, args zerorpc.Args) (interface{}, error) {
				var a, b float64
				if err := args.Decode(0, &a); err != nil {
					return nil, err
				}
				if err := args.Decode(1, &b); err != nil {
					return nil, err
				}
				return a + b, nil
			},
		},
		"echo": {
			NumArgs: -1,
			Doc:     "echo(*args) -> args",
			Handler: func(ctx context.Context, args zerorpc.Args) (interface{}, error) {
				return []interface{}(args), nil
			},
		},
		"sleep": {
			NumArgs: 1,
			Doc:     "sleep(seconds) -> seconds",
			Handler: func(ctx context.Context, args zerorpc.Args) (interface{}, error) {
				var sec float64
				if err := args.Decode(0, &sec); err != nil {
					return nil, err
				}
				select {
				case <-time.After(time.Duration(sec * float64(time.Second))):
					return sec, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}

	for name, m := range methods {
		if err := srv.RegisterMethod(name, m); err != nil {
			return err
		}
	}
	return nil
}
