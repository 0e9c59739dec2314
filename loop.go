package zerorpc

import "sync"

// loop 单个 socket 的任务队列，所有 channel 状态变更、缓冲区读写、中间件执行都在这里串行执行
type loop struct {
	mu       sync.Mutex
	tasks    []func()
	wake     chan struct{}
	stopping bool
	stopped  bool
	done     chan struct{}
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// post 将任务加入队尾，loop 已经退出时返回 false
func (l *loop) post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop 队列中剩余任务执行完后退出
func (l *loop) stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			if l.stopping {
				l.stopped = true
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
	}
}
