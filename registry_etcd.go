package zerorpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdOpTimeout = 5 * time.Second

func newEtcdClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdOpTimeout,
	})
	return cli, errors.WithMessage(err, "etcd")
}

type etcdRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	key      string
	metadata string
	cnf      *RegisterConfig
	client   *clientv3.Client
}

// NewEtcdRegister etcd 服务注册，节点保存在 prefix/service_name/nodeid，租约 ttl 为心跳周期 + 3s
func NewEtcdRegister(cnf *RegisterConfig) (ServiceRegister, error) {
	cnf.init()
	metadata, err := json.Marshal(cnf.Node)
	if err != nil {
		return nil, err
	}
	cli, err := newEtcdClient(cnf.Registries)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdRegister{
		ctx:      ctx,
		cancel:   cancel,
		key:      nodeKey(cnf.ServicePrefix, cnf.Node.ServiceName, cnf.Node.NodeID),
		metadata: string(metadata),
		cnf:      cnf,
		client:   cli,
	}, nil
}

// Register 写入节点并保持租约，租约丢失后每个心跳周期重试一次，直到 Deregister
func (er *etcdRegister) Register() {
	for {
		keepalive, err := er.grant()
		if err != nil {
			er.cnf.Logger.Warnf("etcd register: %s register fail, err: %v", er.key, err)
		} else {
			er.cnf.Logger.Infof("etcd register: %s -> %s", er.key, er.cnf.Node.Endpoint)
			// 租约过期或连接断开时 keepalive 被关闭
			for range keepalive {
			}
			if er.ctx.Err() == nil {
				er.cnf.Logger.Warnf("etcd register: %s lease lost", er.key)
			}
		}

		select {
		case <-er.ctx.Done():
			return
		case <-time.After(er.cnf.HeartBeatPeriod):
		}
	}
}

// grant 申请租约、写入节点并开始自动续租
func (er *etcdRegister) grant() (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ctx, cancel := context.WithTimeout(er.ctx, etcdOpTimeout)
	defer cancel()

	lease, err := er.client.Grant(ctx, int64(er.cnf.HeartBeatPeriod/time.Second)+3)
	if err != nil {
		return nil, err
	}
	if _, err := er.client.Put(ctx, er.key, er.metadata, clientv3.WithLease(lease.ID)); err != nil {
		return nil, err
	}
	return er.client.KeepAlive(er.ctx, lease.ID)
}

// Deregister 删除节点，租约随 client 关闭失效
func (er *etcdRegister) Deregister() {
	er.cancel()
	defer er.client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), etcdOpTimeout)
	defer cancel()
	if _, err := er.client.Delete(ctx, er.key); err != nil {
		er.cnf.Logger.Errorf("etcd register: %s deregister fail, err: %v", er.key, err)
	}
}

type etcdDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	prefix string
	cnf    *DiscoverConfig
	client *clientv3.Client
}

// NewEtcdDiscover etcd 服务发现
func NewEtcdDiscover(cnf *DiscoverConfig) (ServiceDiscover, error) {
	cnf.init()
	cli, err := newEtcdClient(cnf.Registries)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdDiscover{
		ctx:    ctx,
		cancel: cancel,
		prefix: nodeKey(cnf.ServicePrefix, cnf.ServiceName) + "/",
		cnf:    cnf,
		client: cli,
	}, nil
}

// Watch 先全量同步，再从同步时的版本开始监听；版本被压缩时重新全量同步
func (ed *etcdDiscover) Watch(callback WatchCallback) {
	for ed.ctx.Err() == nil {
		rev, err := ed.list(callback)
		if err != nil {
			ed.cnf.Logger.Warnf("etcd discover: list %s fail, err: %v", ed.prefix, err)
			select {
			case <-ed.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		ed.watch(callback, rev+1)
	}
}

func (ed *etcdDiscover) list(callback WatchCallback) (int64, error) {
	ctx, cancel := context.WithTimeout(ed.ctx, etcdOpTimeout)
	defer cancel()
	resp, err := ed.client.Get(ctx, ed.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		ed.put(callback, string(kv.Key), kv.Value)
	}
	return resp.Header.Revision, nil
}

func (ed *etcdDiscover) watch(callback WatchCallback, rev int64) {
	wch := ed.client.Watch(clientv3.WithRequireLeader(ed.ctx), ed.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			ed.cnf.Logger.Warnf("etcd discover: watch %s, err: %v", ed.prefix, err)
			return
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				ed.put(callback, string(ev.Kv.Key), ev.Kv.Value)
			case clientv3.EventTypeDelete:
				callback.Delete(lastSegment(string(ev.Kv.Key)))
			}
		}
	}
}

func (ed *etcdDiscover) put(callback WatchCallback, key string, value []byte) {
	nodeid := lastSegment(key)
	if err := callback.AddOrUpdate(nodeid, value); err != nil {
		ed.cnf.Logger.Warnf("etcd discover: node %s AddOrUpdate fail, err: %v", nodeid, err)
	}
}

// Stop 停止监控
func (ed *etcdDiscover) Stop() {
	ed.cancel()
	ed.client.Close()
}

func nodeKey(segments ...string) string {
	return strings.Join(segments, "/")
}

func lastSegment(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}
