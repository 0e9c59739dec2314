package main

import (
	"context"
	"testing"
	"time"

	"github.com/hunyxv/zerorpc"
	"github.com/hunyxv/zerorpc/client"
	"github.com/hunyxv/zerorpc/zerorpctest"
)

func TestDemoService(t *testing.T) {
	dealer, router := zerorpctest.NewPair()
	srv, err := zerorpc.NewServer(router)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	if err := registerDemo(srv); err != nil {
		t.Fatal(err)
	}
	cli := client.New(dealer, client.WithTimeout(2*time.Second))
	defer cli.Close()

	var greeting string
	if err := cli.Invoke(context.Background(), "hello", []interface{}{"zerorpc"}, &greeting); err != nil {
		t.Fatal(err)
	}
	if greeting != "Hello, zerorpc!" {
		t.Fatalf("unexpected greeting %q", greeting)
	}

	var sum float64
	if err := cli.Invoke(context.Background(), "add", []interface{}{1, 2.5}, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 3.5 {
		t.Fatalf("want 3.5, got %v", sum)
	}
}

func TestNormalize(t *testing.T) {
	v := normalize(map[interface{}]interface{}{
		1:     []byte("bytes"),
		"key": []interface{}{map[interface{}]interface{}{"a": 1}},
	})
	m, ok := v.(map[string]interface{})
	if !ok || m["1"] != "bytes" {
		t.Fatalf("unexpected %#v", v)
	}
	inner, ok := m["key"].([]interface{})[0].(map[string]interface{})
	if !ok || inner["a"] != 1 {
		t.Fatalf("unexpected %#v", m["key"])
	}
}
