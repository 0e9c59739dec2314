package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hunyxv/zerorpc"
	"github.com/hunyxv/zerorpc/client"
	"github.com/hunyxv/zerorpc/zsocket"
	"gopkg.in/yaml.v3"
)

const usage = `usage:
  zerorpc [-config file] serve [-bind endpoint]
  zerorpc [-config file] call [-connect endpoint] [-service name] [-timeout 30s] method [args...]

arguments of call are parsed as yaml scalars, e.g. 1, 2.5, true, "text", [1, 2]
`

var configFile = flag.String("config", "", "yaml config file")

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conf := zerorpc.DefaultConfig()
	if *configFile != "" {
		var err error
		if conf, err = zerorpc.LoadConfig(*configFile); err != nil {
			fatal(err)
		}
	}

	var err error
	switch flag.Arg(0) {
	case "serve":
		err = serve(conf, flag.Args()[1:])
	case "call":
		err = call(conf, flag.Args()[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "zerorpc: %v\n", err)
	os.Exit(1)
}

func serve(conf *zerorpc.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	bind := fs.String("bind", conf.Endpoint, "endpoint to bind")
	fs.Parse(args)
	conf.Endpoint = *bind

	if conf.JaegerEndpoint != "" {
		tp, err := tracerProvider(conf.JaegerEndpoint, conf.ServiceName)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
	}

	opts, err := conf.Options()
	if err != nil {
		return err
	}
	router, err := zsocket.NewRouter("")
	if err != nil {
		return err
	}
	srv, err := zerorpc.NewServer(router, opts...)
	if err != nil {
		return err
	}
	if err := registerDemo(srv); err != nil {
		return err
	}
	if err := srv.Bind(conf.Endpoint); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "zerorpc: serving %s on %s\n", conf.ServiceName, conf.Endpoint)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	return srv.Close()
}

func call(conf *zerorpc.Config, args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	connect := fs.String("connect", "", "endpoint to connect (default: discover through registry)")
	service := fs.String("service", conf.ServiceName, "service name to discover")
	timeout := fs.Duration("timeout", conf.Timeout, "call timeout")
	fs.Parse(args)
	if fs.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	method := fs.Arg(0)
	params := make([]interface{}, 0, fs.NArg()-1)
	for _, s := range fs.Args()[1:] {
		var v interface{}
		if err := yaml.Unmarshal([]byte(s), &v); err != nil {
			return fmt.Errorf("parse argument %q: %v", s, err)
		}
		params = append(params, v)
	}

	logger, err := zerorpc.NewLogger(conf.LogLevel)
	if err != nil {
		return err
	}
	dealer, err := zsocket.NewDealer("")
	if err != nil {
		return err
	}
	opts := []client.Option{client.WithLogger(logger), client.WithTimeout(*timeout)}
	if *connect == "" {
		discover, err := conf.NewDiscover(*service, logger)
		if err != nil {
			return err
		}
		if discover == nil {
			return fmt.Errorf("no endpoint to connect: use -connect or configure a registry")
		}
		opts = append(opts, client.WithDiscover(discover))
	}
	if conf.JaegerEndpoint != "" {
		tp, err := tracerProvider(conf.JaegerEndpoint, "zerorpc-cli")
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
		opts = append(opts, client.WithTracerProvider(tp))
	}

	cli := client.New(dealer, opts...)
	defer cli.Socket().Do(func() { cli.Socket().CloseLinger(conf.Linger) })
	if *connect != "" {
		if err := cli.Connect(*connect); err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err := cli.WaitForNode(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("no node of service %q discovered: %v", *service, err)
		}
	}

	var reply interface{}
	if err := cli.Invoke(context.Background(), method, params, &reply); err != nil {
		return err
	}
	out, err := json.MarshalIndent(normalize(reply), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// normalize 把 msgpack 解出的 map[interface{}]interface{} 转为可 json 序列化的结构
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case []interface{}:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	case []byte:
		return string(x)
	}
	return v
}
