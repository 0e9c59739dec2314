package zerorpc

import "time"

// Transport 底层消息套接字（如 ZeroMQ ROUTER/DEALER）
//   Send/Bind/Connect/Disconnect 必须是并发安全的；
//   路由型套接字收到的消息为 [...地址帧, 空帧, payload]
type Transport interface {
	Bind(endpoint string) error
	Connect(endpoint string) error
	Disconnect(endpoint string) error
	// Send 发送一条多帧消息
	Send(frames [][]byte) error
	// Recv 收到的多帧消息，Close 后关闭
	Recv() <-chan [][]byte
	// Errors 底层异步错误，Close 后关闭
	Errors() <-chan error
	SetLinger(linger time.Duration) error
	Close() error
}
