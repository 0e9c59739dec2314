// Package zerorpctest 提供内存中的 ROUTER/DEALER transport，用于测试
package zerorpctest

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const chanCap = 1024

var ErrClosed = errors.New("zerorpctest: transport closed")

// Transport 内存 transport，模拟 zmq ROUTER/DEALER 的地址帧
type Transport struct {
	identity []byte
	router   bool
	peer     *Transport

	recv chan [][]byte
	errs chan error

	mu     sync.Mutex
	closed bool
	linger time.Duration
	binds  []string
}

// NewPair 返回一对相连的 transport：dealer 发送的消息 router 收到时带有 dealer 的 identity 帧
func NewPair() (dealer, router *Transport) {
	dealer = newTransport([]byte("dealer"), false)
	router = newTransport([]byte("router"), true)
	dealer.peer, router.peer = router, dealer
	return dealer, router
}

func newTransport(identity []byte, router bool) *Transport {
	return &Transport{
		identity: identity,
		router:   router,
		recv:     make(chan [][]byte, chanCap),
		errs:     make(chan error, chanCap),
	}
}

func (t *Transport) Bind(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.binds = append(t.binds, endpoint)
	return nil
}

func (t *Transport) Connect(endpoint string) error {
	return t.Bind(endpoint)
}

func (t *Transport) Disconnect(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.binds {
		if e == endpoint {
			t.binds = append(t.binds[:i], t.binds[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("zerorpctest: %s not connected", endpoint)
}

// Endpoints 已 bind/connect 的端点
func (t *Transport) Endpoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.binds...)
}

// Send router 端的第一帧为对端 identity
func (t *Transport) Send(frames [][]byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := copyFrames(frames)
	if t.router {
		if len(msg) == 0 || string(msg[0]) != string(t.peer.identity) {
			// 未知的对端，与 zmq ROUTER 一样直接丢弃
			return nil
		}
		msg = msg[1:]
	} else {
		msg = append([][]byte{t.identity}, msg...)
	}
	t.peer.deliver(msg)
	return nil
}

func (t *Transport) deliver(msg [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.recv <- msg
}

// Inject 模拟从对端收到原始消息
func (t *Transport) Inject(frames [][]byte) {
	t.deliver(copyFrames(frames))
}

// InjectError 模拟底层错误
func (t *Transport) InjectError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.errs <- err
	}
}

func (t *Transport) Recv() <-chan [][]byte { return t.recv }

func (t *Transport) Errors() <-chan error { return t.errs }

func (t *Transport) SetLinger(linger time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linger = linger
	return nil
}

// Linger 最近一次设置的 linger
func (t *Transport) Linger() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linger
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	close(t.recv)
	close(t.errs)
	return nil
}

func copyFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte{}, f...)
	}
	return out
}
