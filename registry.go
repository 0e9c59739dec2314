package zerorpc

import (
	"encoding/json"
	"time"
)

// 注册服务时使用 json 序列化 Node，以便查看

// RegisterConfig 服务注册所需配置
type RegisterConfig struct {
	Registries      []string      // 注册中心 endpoint
	ServicePrefix   string        // 服务前缀
	HeartBeatPeriod time.Duration // 心跳间隔
	Node            Node
	Logger          Logger
}

func (cnf *RegisterConfig) init() {
	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}
	if cnf.HeartBeatPeriod <= 0 {
		cnf.HeartBeatPeriod = 10 * time.Second
	}
	cnf.Node = Advertise(cnf.Node)
}

// ServiceRegister 服务注册
type ServiceRegister interface {
	// Register 注册节点（阻塞直到 Deregister）
	Register()
	// Deregister 注销节点
	Deregister()
}

// DiscoverConfig 服务发现所需配置
type DiscoverConfig struct {
	Registries    []string // 注册中心 endpoint
	ServicePrefix string   // 服务前缀
	ServiceName   string
	Logger        Logger
}

func (cnf *DiscoverConfig) init() {
	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}
}

// ServiceDiscover 服务发现
type ServiceDiscover interface {
	// Watch 监控节点变化（阻塞直到 Stop）
	Watch(callback WatchCallback)
	// Stop 停止监控
	Stop()
}

// WatchCallback 服务发现，节点变更事件回调接口
//   metadata 为 json 序列化的 Node
type WatchCallback interface {
	AddOrUpdate(nodeid string, metadata []byte) error
	Delete(nodeid string)
}

// RegisterDiscover 服务注册与发现
type RegisterDiscover interface {
	ServiceRegister
	ServiceDiscover
}

// Advertise 监听地址为 0.0.0.0 等通配地址时，用本机 ip 作为对外地址
func Advertise(node Node) Node {
	switch node.Endpoint.Host {
	case "", "0.0.0.0", "*", "::":
		if ips, _ := getLocalIps(); len(ips) > 0 {
			node.Endpoint.Host = ips[0]
		} else {
			node.Endpoint.Host = "127.0.0.1"
		}
	}
	return node
}

// ParseNode 解析注册中心中保存的节点信息
func ParseNode(metadata []byte) (Node, error) {
	var node Node
	err := json.Unmarshal(metadata, &node)
	return node, err
}
