package zerorpc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// errors
	ErrProtocol       = errors.New("zerorpc: protocol error")
	ErrTimeoutExpired = errors.New("zerorpc: timeout expired")
	ErrInvalidState   = errors.New("zerorpc: invalid state")
	ErrAlreadyClosed  = errors.New("zerorpc: socket already closed")
)

// RemoteError 对端通过 ERR 事件返回的异常
type RemoteError struct {
	Name    string
	Message string
	Trace   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Args 转为 ERR 事件参数
func (e *RemoteError) Args() []interface{} {
	return []interface{}{e.Name, e.Message, e.Trace}
}

// RemoteErrorFromEvent 从 ERR 事件中解析异常
func RemoteErrorFromEvent(ev *Event) (*RemoteError, error) {
	if len(ev.Args) != 3 {
		return nil, errors.Wrapf(ErrProtocol, "invalid event: bad error, expected 3 args, got %d", len(ev.Args))
	}
	name, ok1 := ev.Args[0].(string)
	msg, ok2 := ev.Args[1].(string)
	if !ok1 || !ok2 {
		return nil, errors.Wrap(ErrProtocol, "invalid event: bad error")
	}
	// trace 可能为 nil
	trace, _ := ev.Args[2].(string)
	return &RemoteError{Name: name, Message: msg, Trace: trace}, nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorArgs 把任意 error 转成 ERR 事件参数
func errorArgs(err error) []interface{} {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Args()
	}

	var trace string
	var st stackTracer
	if errors.As(err, &st) {
		trace = fmt.Sprintf("%+v", st)
	}
	return []interface{}{"Error", err.Error(), trace}
}
