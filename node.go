package zerorpc

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pborman/uuid"
)

// DefaultNode 默认节点信息
var DefaultNode = Node{
	ServiceName: getServerName(),
	NodeID:      uuid.NewUUID().String(),
	Endpoint:    Endpoint{Scheme: "tcp", Host: "0.0.0.0", Port: 4242},
}

// Endpoint zmq 端点 scheme://host:port
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(b []byte) error {
	ep, err := ParseEndpoint(string(b))
	if err != nil {
		return err
	}
	*e = ep
	return nil
}

// ParseEndpoint 解析 tcp://127.0.0.1:4242 格式的端点
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("zerorpc: invalid endpoint %q: %v", s, err)
	}
	return Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

// Node 节点信息
type Node struct {
	ServiceName string   `json:"service_name" yaml:"service_name"`
	NodeID      string   `json:"nodeid" yaml:"nodeid"`
	Endpoint    Endpoint `json:"endpoint" yaml:"endpoint"`
}

func getServerName() string {
	name, err := os.Executable()
	if err != nil {
		return "zerorpc"
	}
	return filepath.Base(name)
}

func getLocalIps() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP.String())
		}
	}
	return ips, nil
}
