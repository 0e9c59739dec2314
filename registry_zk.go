package zerorpc

import (
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const zkSessionTimeout = 5 * time.Second

// zkPath zookeeper 路径必须以 / 开头
func zkPath(segments ...string) string {
	return path.Join("/", nodeKey(segments...))
}

type zookeeperRegister struct {
	metadata []byte
	cnf      *RegisterConfig
	client   *zk.Conn
	events   <-chan zk.Event
}

// NewZookeeperRegister zookeeper 服务注册，节点为 prefix/service_name/nodeid 临时节点
func NewZookeeperRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.init()
	metadata, err := json.Marshal(cnf.Node)
	if err != nil {
		return nil, err
	}
	conn, events, err := zk.Connect(cnf.Registries, zkSessionTimeout)
	if err != nil {
		return nil, err
	}

	return &zookeeperRegister{
		metadata: metadata,
		cnf:      cnf,
		client:   conn,
		events:   events,
	}, nil
}

// Register 每次建立新会话时重新创建临时节点，连接关闭后返回
func (zr *zookeeperRegister) Register() {
	for ev := range zr.events {
		if ev.Type != zk.EventSession || ev.State != zk.StateHasSession {
			continue
		}
		if err := zr.ensure(); err != nil {
			zr.cnf.Logger.Warnf("zookeeper register: %s register fail, err: %v", zr.key(), err)
			continue
		}
		zr.cnf.Logger.Infof("zookeeper register: %s -> %s", zr.key(), zr.cnf.Node.Endpoint)
	}
}

// ensure 创建父节点和临时节点，节点已存在时覆盖数据
func (zr *zookeeperRegister) ensure() error {
	parent := zkPath(zr.cnf.ServicePrefix, zr.cnf.Node.ServiceName)
	prefix := ""
	for _, seg := range strings.Split(parent, "/") {
		if seg == "" {
			continue
		}
		prefix += "/" + seg
		// 持久节点
		if _, err := zr.client.Create(prefix, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return errors.WithMessage(err, prefix)
		}
	}

	_, err := zr.client.Create(zr.key(), zr.metadata, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != zk.ErrNodeExists {
		return err
	}
	// 上一个会话的节点尚未过期
	_, err = zr.client.Set(zr.key(), zr.metadata, -1)
	return err
}

func (zr *zookeeperRegister) key() string {
	return zkPath(zr.cnf.ServicePrefix, zr.cnf.Node.ServiceName, zr.cnf.Node.NodeID)
}

// Deregister 关闭会话，临时节点随之删除
func (zr *zookeeperRegister) Deregister() {
	zr.client.Close()
}

type zookeeperDiscover struct {
	cnf    *DiscoverConfig
	client *zk.Conn
	nodes  map[string]int32 // nodeid : version
}

// NewZookeeperDiscover zookeeper 服务发现
func NewZookeeperDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.init()
	conn, _, err := zk.Connect(cnf.Registries, zkSessionTimeout)
	if err != nil {
		return nil, err
	}

	return &zookeeperDiscover{
		cnf:    cnf,
		client: conn,
		nodes:  make(map[string]int32),
	}, nil
}

func zkClosed(err error) bool {
	return err == zk.ErrConnectionClosed || err == zk.ErrClosing
}

// Watch 子节点变化后重新对比节点列表
func (zd *zookeeperDiscover) Watch(callback WatchCallback) {
	dir := zkPath(zd.cnf.ServicePrefix, zd.cnf.ServiceName)
	for {
		children, _, eventch, err := zd.client.ChildrenW(dir)
		if zkClosed(err) {
			return
		}
		if err == zk.ErrNoNode {
			// 还没有节点注册，等待目录创建
			var exists bool
			exists, _, eventch, err = zd.client.ExistsW(dir)
			if err == nil && exists {
				continue
			}
		}
		if err != nil {
			if zkClosed(err) {
				return
			}
			zd.cnf.Logger.Warnf("zookeeper discover: watch %s fail, err: %v", dir, err)
			time.Sleep(3 * time.Second)
			continue
		}

		zd.sync(dir, children, callback)
		if ev := <-eventch; zkClosed(ev.Err) {
			return
		}
	}
}

func (zd *zookeeperDiscover) sync(dir string, children []string, callback WatchCallback) {
	alive := make(map[string]int32, len(children))
	for _, nodeid := range children {
		data, stat, err := zd.client.Get(path.Join(dir, nodeid))
		if err != nil {
			if err != zk.ErrNoNode {
				zd.cnf.Logger.Warnf("zookeeper discover: get %s/%s fail, err: %v", dir, nodeid, err)
			}
			continue
		}
		alive[nodeid] = stat.Version
		if v, ok := zd.nodes[nodeid]; ok && v == stat.Version {
			continue
		}
		if err := callback.AddOrUpdate(nodeid, data); err != nil {
			zd.cnf.Logger.Warnf("zookeeper discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
		}
	}
	for nodeid := range zd.nodes {
		if _, ok := alive[nodeid]; !ok {
			callback.Delete(nodeid)
		}
	}
	zd.nodes = alive
}

// Stop 停止监控
func (zd *zookeeperDiscover) Stop() {
	zd.client.Close()
}
