package zerorpc

import (
	"os"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// 注册中心类型
const (
	RegistryEtcd      = "etcd"
	RegistryConsul    = "consul"
	RegistryZookeeper = "zookeeper"
)

// Config yaml 配置文件
type Config struct {
	Endpoint         string         `yaml:"endpoint"`
	ServiceName      string         `yaml:"service_name"`
	NodeID           string         `yaml:"nodeid"`
	Timeout          time.Duration  `yaml:"timeout"` // client 调用超时时间
	Linger           time.Duration  `yaml:"linger"`  // 关闭 socket 时等待未发送消息的时间
	WorkPoolSize     int            `yaml:"work_pool_size"`
	MaxTimeoutPeriod time.Duration  `yaml:"max_timeout_period"`
	LogLevel         string         `yaml:"log_level"`
	JaegerEndpoint   string         `yaml:"jaeger_endpoint"` // 为空时不上报链路
	Registry         RegistryConfig `yaml:"registry"`
}

// RegistryConfig 注册中心配置，Kind 为空时不使用注册中心
type RegistryConfig struct {
	Kind      string        `yaml:"kind"`
	Endpoints []string      `yaml:"endpoints"`
	Prefix    string        `yaml:"prefix"`
	HeartBeat time.Duration `yaml:"heartbeat"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoint:         DefaultNode.Endpoint.String(),
		ServiceName:      DefaultNode.ServiceName,
		Timeout:          30 * time.Second,
		WorkPoolSize:     DefaultWorkPoolSize,
		MaxTimeoutPeriod: 5 * time.Minute,
		LogLevel:         "info",
		Registry: RegistryConfig{
			Prefix:    "/zerorpc",
			HeartBeat: 10 * time.Second,
		},
	}
}

// LoadConfig 读取 yaml 配置文件，未配置的项使用默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "zerorpc: read config")
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	conf := DefaultConfig()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrap(err, "zerorpc: unmarshal config")
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	if _, err := ParseEndpoint(c.Endpoint); err != nil {
		return errors.Wrap(err, "zerorpc: config endpoint")
	}
	switch c.Registry.Kind {
	case "", RegistryEtcd, RegistryConsul, RegistryZookeeper:
	default:
		return errors.Errorf("zerorpc: unknown registry kind %q", c.Registry.Kind)
	}
	if c.Registry.Kind != "" && len(c.Registry.Endpoints) == 0 {
		return errors.Errorf("zerorpc: registry %s without endpoints", c.Registry.Kind)
	}
	return nil
}

// Node 配置对应的节点信息，未配置 nodeid 时随机生成
func (c *Config) Node() (Node, error) {
	ep, err := ParseEndpoint(c.Endpoint)
	if err != nil {
		return Node{}, err
	}
	node := Node{ServiceName: c.ServiceName, NodeID: c.NodeID, Endpoint: ep}
	if node.NodeID == "" {
		node.NodeID = uuid.NewUUID().String()
	}
	return node, nil
}

// Options 转为 Server 选项（包含注册中心）
func (c *Config) Options() ([]Option, error) {
	logger, err := NewLogger(c.LogLevel)
	if err != nil {
		return nil, err
	}
	node, err := c.Node()
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(logger),
		WithNode(node),
		WithWorkPoolSize(c.WorkPoolSize),
		WithMaxTimeoutPeriod(c.MaxTimeoutPeriod),
	}
	register, err := c.NewRegister(node, logger)
	if err != nil {
		return nil, err
	}
	if register != nil {
		opts = append(opts, WithRegister(register))
	}
	return opts, nil
}

// NewRegister 根据配置创建服务注册组件，未配置注册中心时返回 nil
func (c *Config) NewRegister(node Node, logger Logger) (ServiceRegister, error) {
	cnf := &RegisterConfig{
		Registries:      c.Registry.Endpoints,
		ServicePrefix:   c.Registry.Prefix,
		HeartBeatPeriod: c.Registry.HeartBeat,
		Node:            node,
		Logger:          logger,
	}
	switch c.Registry.Kind {
	case RegistryEtcd:
		return NewEtcdRegister(cnf)
	case RegistryConsul:
		return NewConsulRegister(cnf)
	case RegistryZookeeper:
		return NewZookeeperRegister(cnf)
	}
	return nil, nil
}

// NewDiscover 根据配置创建服务发现组件，未配置注册中心时返回 nil
func (c *Config) NewDiscover(serviceName string, logger Logger) (ServiceDiscover, error) {
	cnf := &DiscoverConfig{
		Registries:    c.Registry.Endpoints,
		ServicePrefix: c.Registry.Prefix,
		ServiceName:   serviceName,
		Logger:        logger,
	}
	switch c.Registry.Kind {
	case RegistryEtcd:
		return NewEtcdDiscover(cnf)
	case RegistryConsul:
		return NewConsulDiscover(cnf)
	case RegistryZookeeper:
		return NewZookeeperDiscover(cnf)
	}
	return nil, nil
}
