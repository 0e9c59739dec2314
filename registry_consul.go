package zerorpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

const consulTag = "zerorpc"

func newConsulClient(registries []string) (*consulapi.Client, error) {
	conf := consulapi.DefaultConfig()
	if len(registries) > 0 {
		conf.Address = registries[0]
	}
	return consulapi.NewClient(conf)
}

type consulRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	checkID string
	cnf     *RegisterConfig
	client  *consulapi.Client
}

// NewConsulRegister consul 服务注册，使用 TTL 健康检查，每个心跳周期上报一次
func NewConsulRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.init()
	cli, err := newConsulClient(cnf.Registries)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulRegister{
		ctx:     ctx,
		cancel:  cancel,
		checkID: "zerorpc:" + cnf.Node.NodeID,
		cnf:     cnf,
		client:  cli,
	}, nil
}

func (cr *consulRegister) registration() *consulapi.AgentServiceRegistration {
	node := cr.cnf.Node
	return &consulapi.AgentServiceRegistration{
		ID:      node.NodeID,
		Name:    node.ServiceName,
		Tags:    []string{consulTag},
		Address: node.Endpoint.Host,
		Port:    node.Endpoint.Port,
		Meta: map[string]string{
			"nodeid":   node.NodeID,
			"endpoint": node.Endpoint.String(),
		},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        cr.checkID,
			TTL:                            (3 * cr.cnf.HeartBeatPeriod).String(),
			DeregisterCriticalServiceAfter: (6 * cr.cnf.HeartBeatPeriod).String(),
		},
	}
}

// Register 注册节点并定期刷新 TTL，刷新失败时重新注册
func (cr *consulRegister) Register() {
	agent := cr.client.Agent()
	registered := false
	tick := time.NewTicker(cr.cnf.HeartBeatPeriod)
	defer tick.Stop()

	for {
		if !registered {
			if err := agent.ServiceRegister(cr.registration()); err != nil {
				cr.cnf.Logger.Warnf("consul register: %s register fail, err: %v", cr.cnf.Node.NodeID, err)
			} else {
				registered = true
				cr.cnf.Logger.Infof("consul register: %s -> %s", cr.cnf.Node.NodeID, cr.cnf.Node.Endpoint)
			}
		}
		if registered {
			if err := agent.UpdateTTL(cr.checkID, "", consulapi.HealthPassing); err != nil {
				cr.cnf.Logger.Warnf("consul register: %s update ttl fail, err: %v", cr.cnf.Node.NodeID, err)
				registered = false
			}
		}

		select {
		case <-cr.ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// Deregister 注销节点
func (cr *consulRegister) Deregister() {
	cr.cancel()
	if err := cr.client.Agent().ServiceDeregister(cr.cnf.Node.NodeID); err != nil {
		cr.cnf.Logger.Errorf("consul register: %s deregister fail, err: %v", cr.cnf.Node.NodeID, err)
	}
}

type consulDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf    *DiscoverConfig
	client *consulapi.Client
}

// NewConsulDiscover consul 服务发现
func NewConsulDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.init()
	cli, err := newConsulClient(cnf.Registries)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulDiscover{
		ctx:    ctx,
		cancel: cancel,
		cnf:    cnf,
		client: cli,
	}, nil
}

// Watch 阻塞查询健康的节点，与上一次结果比较得出上线与下线的节点
func (cd *consulDiscover) Watch(callback WatchCallback) {
	var index uint64
	alive := make(map[string]struct{})
	for cd.ctx.Err() == nil {
		opts := (&consulapi.QueryOptions{WaitIndex: index}).WithContext(cd.ctx)
		entries, meta, err := cd.client.Health().Service(cd.cnf.ServiceName, consulTag, true, opts)
		if err != nil {
			if cd.ctx.Err() == nil {
				cd.cnf.Logger.Warnf("consul discover: query %s fail, err: %v", cd.cnf.ServiceName, err)
				select {
				case <-cd.ctx.Done():
				case <-time.After(3 * time.Second):
				}
			}
			continue
		}
		// index 回退时重新开始阻塞查询
		if meta.LastIndex < index {
			index = 0
		} else {
			index = meta.LastIndex
		}

		current := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			node, ok := consulNode(cd.cnf.ServiceName, entry.Service)
			if !ok {
				continue
			}
			current[node.NodeID] = struct{}{}
			metadata, _ := json.Marshal(node)
			if err := callback.AddOrUpdate(node.NodeID, metadata); err != nil {
				cd.cnf.Logger.Warnf("consul discover: node %s AddOrUpdate fail, err: %v", node.NodeID, err)
			}
		}
		for nodeid := range alive {
			if _, ok := current[nodeid]; !ok {
				callback.Delete(nodeid)
			}
		}
		alive = current
	}
}

// consulNode 从服务的 Meta 中还原节点信息
func consulNode(service string, s *consulapi.AgentService) (Node, bool) {
	if s == nil || s.Meta["nodeid"] == "" {
		return Node{}, false
	}
	ep, err := ParseEndpoint(strings.TrimSpace(s.Meta["endpoint"]))
	if err != nil {
		return Node{}, false
	}
	return Node{ServiceName: service, NodeID: s.Meta["nodeid"], Endpoint: ep}, true
}

// Stop 停止监控
func (cd *consulDiscover) Stop() {
	cd.cancel()
}
