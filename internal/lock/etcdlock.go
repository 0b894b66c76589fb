package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

const (
	defaultSessionTTL = 10 * time.Second
	etcdLockPrefix    = "/realpick/locks/"
)

// EtcdLock 每把锁独占一个会话，会话租约由客户端后台续期。
// 进程异常退出时锁随租约过期自动释放。
type EtcdLock struct {
	client *clientv3.Client
	ttl    int // 秒

	mu   sync.Mutex
	held map[string]*etcdHold
}

type etcdHold struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func NewETCDLock(cfg config.ETCDConfig) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl < time.Second {
		ttl = defaultSessionTTL
	}
	return &EtcdLock{
		client: cli,
		ttl:    int(ttl / time.Second),
		held:   make(map[string]*etcdHold),
	}, nil
}

// AcquireLock 非阻塞抢锁，锁在其他实例手里时返回 false
func (el *EtcdLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.held[lockName]; ok {
		return false, fmt.Errorf("锁 %s 已被当前实例持有", lockName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 租约单独申请，避免 etcd 不可用时会话创建一直阻塞
	lease, err := el.client.Grant(ctx, int64(el.ttl))
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}
	session, err := concurrency.NewSession(el.client, concurrency.WithLease(lease.ID), concurrency.WithTTL(el.ttl))
	if err != nil {
		el.client.Revoke(context.Background(), lease.ID)
		return false, fmt.Errorf("创建会话失败: %w", err)
	}

	mutex := concurrency.NewMutex(session, etcdLockPrefix+lockName)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return false, nil
		}
		return false, fmt.Errorf("抢占锁 %s 失败: %w", lockName, err)
	}

	el.held[lockName] = &etcdHold{session: session, mutex: mutex}
	logging.Log.Debugf("etcd锁 %s 已获取，租约 %x", lockName, lease.ID)
	return true, nil
}

// RefreshLock 会话已失效或租约不存在时返回 false，并丢弃本地记录
func (el *EtcdLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	hold, ok := el.held[lockName]
	if !ok {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}
	select {
	case <-hold.session.Done():
		el.drop(lockName, hold)
		return false, nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := el.client.KeepAliveOnce(ctx, hold.session.Lease()); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			el.drop(lockName, hold)
			return false, nil
		}
		return false, fmt.Errorf("续约失败: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.release(lockName)
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.held {
		if err := el.release(lockName); err != nil {
			logging.Log.Warnf("释放etcd锁 %s 失败: %v", lockName, err)
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	return el.client.Close()
}

// drop 租约已丢失，只停止本地续期
func (el *EtcdLock) drop(lockName string, hold *etcdHold) {
	delete(el.held, lockName)
	hold.session.Orphan()
	logging.Log.Warnf("etcd锁 %s 的租约已失效", lockName)
}

// release 调用方需持有 el.mu
func (el *EtcdLock) release(lockName string) error {
	hold, ok := el.held[lockName]
	if !ok {
		return nil
	}
	delete(el.held, lockName)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(el.ttl)*time.Second)
	defer cancel()

	var errs []error
	if err := hold.mutex.Unlock(ctx); err != nil {
		errs = append(errs, fmt.Errorf("删除锁键失败: %w", err))
	}
	// Close 会撤销租约，租约已过期时忽略
	if err := hold.session.Close(); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		errs = append(errs, fmt.Errorf("撤销租约失败: %w", err))
	}
	return errors.Join(errs...)
}
