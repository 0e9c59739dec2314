package zsocket

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hunyxv/zerorpc"
	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

const chanCap = 1024

// ErrClosed socket 已关闭
var ErrClosed = errors.New("zsocket: socket closed")

type command string

const (
	_BIND       = command("bind")       // 监听
	_CONNECT    = command("connect")    // 新连接
	_DISCONNECT = command("disconnect") // 断开到某个端点的连接
	_LINGER     = command("linger")     // 设置 linger（毫秒）
	_CLOSE      = command("close")      // 关闭
)

// Socket zmq socket 只能在一个 goroutine 中使用，
//   mainLoop 持有 socket，通过 inproc PULL 接收要发送的消息，通过 inproc PAIR 接收指令
type Socket struct {
	id      string
	soctype zmq.Type
	socket  *zmq.Socket

	localPush *zmq.Socket // sendLoop 使用
	localPull *zmq.Socket // mainLoop 使用
	pipeSend  *zmq.Socket // sendLoop 使用
	pipeRecv  *zmq.Socket // mainLoop 使用

	recvChan    chan [][]byte
	sendChan    chan [][]byte
	commandChan chan []string
	replyChan   chan error
	errChan     chan error
	closed      chan struct{}
	wg          sync.WaitGroup

	lock    sync.Mutex
	isClose bool
}

var _ zerorpc.Transport = (*Socket)(nil)

// NewRouter 服务端 socket（xrep）
func NewRouter(id string) (*Socket, error) {
	return New(zmq.ROUTER, id)
}

// NewDealer 客户端 socket（xreq）
func NewDealer(id string) (*Socket, error) {
	return New(zmq.DEALER, id)
}

// New 创建 socket，id 为空时随机生成
func New(t zmq.Type, id string) (*Socket, error) {
	if id == "" {
		id = uuid.NewRandom().String()
	}
	s := &Socket{
		id:          id,
		soctype:     t,
		recvChan:    make(chan [][]byte, chanCap),
		sendChan:    make(chan [][]byte, chanCap),
		commandChan: make(chan []string),
		replyChan:   make(chan error),
		errChan:     make(chan error, chanCap),
		closed:      make(chan struct{}),
	}
	if err := s.init(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.wg.Add(2)
	go s.mainLoop()
	go s.sendLoop()
	go func() {
		s.wg.Wait()
		close(s.errChan)
	}()
	return s, nil
}

func (s *Socket) init() (err error) {
	if s.socket, err = zmq.NewSocket(s.soctype); err != nil {
		return err
	}
	if err = s.socket.SetIdentity(s.id); err != nil {
		return err
	}

	inner := uuid.NewRandom().String()
	pullAddr := fmt.Sprintf("inproc://local_pull_%s", inner)
	pipeAddr := fmt.Sprintf("inproc://local_pipe_%s", inner)

	// 用于转发 send 消息
	if s.localPush, err = zmq.NewSocket(zmq.PUSH); err != nil {
		return err
	}
	if err = s.localPush.Bind(pullAddr); err != nil {
		return err
	}
	if s.localPull, err = zmq.NewSocket(zmq.PULL); err != nil {
		return err
	}
	if err = s.localPull.Connect(pullAddr); err != nil {
		return err
	}

	// pipe 用于传递指令
	if s.pipeSend, err = zmq.NewSocket(zmq.PAIR); err != nil {
		return err
	}
	if err = s.pipeSend.Bind(pipeAddr); err != nil {
		return err
	}
	if s.pipeRecv, err = zmq.NewSocket(zmq.PAIR); err != nil {
		return err
	}
	return s.pipeRecv.Connect(pipeAddr)
}

func (s *Socket) closeAll() {
	for _, soc := range []*zmq.Socket{s.socket, s.localPush, s.localPull, s.pipeSend, s.pipeRecv} {
		if soc != nil {
			soc.Close()
		}
	}
}

func (s *Socket) emit(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}

func (s *Socket) mainLoop() {
	defer s.wg.Done()
	defer close(s.recvChan)
	defer s.localPull.Close()
	defer s.pipeRecv.Close()

	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)
	poller.Add(s.localPull, zmq.POLLIN)
	poller.Add(s.pipeRecv, zmq.POLLIN)
	for {
		polls, err := poller.Poll(-1)
		if err != nil {
			s.emit(err)
			continue
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case s.pipeRecv:
				cmd, err := s.pipeRecv.RecvMessage(0)
				if err != nil {
					s.emit(err)
					continue
				}
				if command(cmd[0]) == _CLOSE {
					// 先把已提交的消息发出去
					s.drain()
					s.pipeRecv.SendMessage("ok")
					s.socket.Close()
					return
				}
				if err := s.execute(cmd); err != nil {
					s.pipeRecv.SendMessage("err", err.Error())
				} else {
					s.pipeRecv.SendMessage("ok")
				}
			case s.localPull:
				msg, err := s.localPull.RecvMessageBytes(0)
				if err != nil {
					s.emit(err)
					continue
				}
				// 不阻塞 mainLoop：没有可用对端时丢弃消息，由调用方超时处理
				if _, err := s.socket.SendMessageDontwait(msg); err != nil {
					s.emit(errors.Wrap(err, "zsocket: send"))
				}
			case s.socket:
				msg, err := s.socket.RecvMessageBytes(0)
				if err != nil {
					s.emit(err)
					continue
				}
				s.recvChan <- msg
			}
		}
	}
}

func (s *Socket) execute(cmd []string) error {
	if len(cmd) < 2 {
		return fmt.Errorf("zsocket: invalid command %v", cmd)
	}
	switch command(cmd[0]) {
	case _BIND:
		return s.socket.Bind(cmd[1])
	case _CONNECT:
		return s.socket.Connect(cmd[1])
	case _DISCONNECT:
		return s.socket.Disconnect(cmd[1])
	case _LINGER:
		ms, err := strconv.Atoi(cmd[1])
		if err != nil {
			return err
		}
		return s.socket.SetLinger(time.Duration(ms) * time.Millisecond)
	}
	return fmt.Errorf("zsocket: unknown command %q", cmd[0])
}

func (s *Socket) drain() {
	for {
		msg, err := s.localPull.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			return
		}
		if _, err := s.socket.SendMessageDontwait(msg); err != nil {
			s.emit(errors.Wrap(err, "zsocket: send"))
		}
	}
}

func (s *Socket) sendLoop() {
	defer s.wg.Done()
	defer s.localPush.Close()
	defer s.pipeSend.Close()

	for {
		select {
		case cmd := <-s.commandChan:
			if command(cmd[0]) == _CLOSE {
				s.flushSend()
			}
			s.replyChan <- s.roundTrip(cmd)
			if command(cmd[0]) == _CLOSE {
				return
			}
		case msg := <-s.sendChan:
			if _, err := s.localPush.SendMessage(msg); err != nil {
				s.emit(err)
			}
		}
	}
}

func (s *Socket) flushSend() {
	for {
		select {
		case msg := <-s.sendChan:
			if _, err := s.localPush.SendMessage(msg); err != nil {
				s.emit(err)
			}
		default:
			return
		}
	}
}

func (s *Socket) roundTrip(cmd []string) error {
	if _, err := s.pipeSend.SendMessage(cmd); err != nil {
		return err
	}
	reply, err := s.pipeSend.RecvMessage(0)
	if err != nil {
		return err
	}
	if len(reply) > 1 && reply[0] == "err" {
		return errors.New(reply[1])
	}
	return nil
}

func (s *Socket) command(cmd ...string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.isClose {
		return ErrClosed
	}
	s.commandChan <- cmd
	return <-s.replyChan
}

// ID socket identity
func (s *Socket) ID() string {
	return s.id
}

func (s *Socket) Bind(endpoint string) error {
	return errors.WithMessagef(s.command(string(_BIND), endpoint), "zsocket: bind %s", endpoint)
}

func (s *Socket) Connect(endpoint string) error {
	return errors.WithMessagef(s.command(string(_CONNECT), endpoint), "zsocket: connect %s", endpoint)
}

func (s *Socket) Disconnect(endpoint string) error {
	return errors.WithMessagef(s.command(string(_DISCONNECT), endpoint), "zsocket: disconnect %s", endpoint)
}

// SetLinger 设置关闭时等待未发送消息的时间
func (s *Socket) SetLinger(linger time.Duration) error {
	return s.command(string(_LINGER), strconv.FormatInt(linger.Milliseconds(), 10))
}

// Send 提交消息，由 mainLoop 发送
func (s *Socket) Send(msg [][]byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.sendChan <- msg:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Recv 收到的消息，socket 关闭后 chan 被关闭
func (s *Socket) Recv() <-chan [][]byte {
	return s.recvChan
}

// Errors 异步错误，socket 关闭后 chan 被关闭
func (s *Socket) Errors() <-chan error {
	return s.errChan
}

// Close 关闭 socket
func (s *Socket) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.isClose {
		return ErrClosed
	}
	s.isClose = true
	s.commandChan <- []string{string(_CLOSE)}
	err := <-s.replyChan
	close(s.closed)
	return err
}
