package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	AcquireLock(lockName string, timeout time.Duration) (bool, error)

	// RefreshLock 刷新锁的过期时间
	// 返回值：bool表示是否成功刷新锁，error表示刷新过程中的错误
	RefreshLock(lockName string, timeout time.Duration) (bool, error)

	// ReleaseLock 释放分布式锁
	ReleaseLock(lockName string) error

	// ReleaseAllLocks 释放所有持有的锁
	ReleaseAllLocks()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 按配置创建锁，backend 为 none 时使用进程内锁
func New(cfg *config.Config) (Lock, error) {
	switch cfg.Lock.Backend {
	case "etcd":
		return NewETCDLock(cfg.ETCD)
	case "redis":
		return NewRedLock(cfg.Redis, cfg.Lock)
	case "", "none":
		return NewLocalLock(), nil
	}
	return nil, fmt.Errorf("不支持的锁类型: %s", cfg.Lock.Backend)
}

// Leadership 周期任务的主节点身份: 未持有时尝试获取，已持有时续期
type Leadership struct {
	lock Lock
	name string
	ttl  time.Duration

	mu   sync.Mutex
	held bool
}

func NewLeadership(l Lock, name string, ttl time.Duration) *Leadership {
	return &Leadership{lock: l, name: name, ttl: ttl}
}

// Ensure 返回当前实例是否为主节点
func (l *Leadership) Ensure() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		ok  bool
		err error
	)
	if l.held {
		ok, err = l.lock.RefreshLock(l.name, l.ttl)
	} else {
		ok, err = l.lock.AcquireLock(l.name, l.ttl)
	}
	if err != nil {
		logging.Log.Warnf("锁 %s 操作失败: %v", l.name, err)
		ok = false
	}
	if l.held && !ok {
		logging.Log.Warnf("失去锁 %s", l.name)
		// 清理本地持有状态，下一轮重新获取
		if err := l.lock.ReleaseLock(l.name); err != nil {
			logging.Log.Warnf("释放锁 %s 失败: %v", l.name, err)
		}
	}
	if !l.held && ok {
		logging.Log.Infof("获取锁 %s 成功，当前实例成为主节点", l.name)
	}
	l.held = ok
	return ok
}

// Resign 主动释放
func (l *Leadership) Resign() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	if err := l.lock.ReleaseLock(l.name); err != nil {
		logging.Log.Warnf("释放锁 %s 失败: %v", l.name, err)
	}
	l.held = false
}

// LocalLock 单实例部署使用的进程内锁
type LocalLock struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{expires: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.expires[lockName]; ok && l.now().Before(exp) {
		return false, nil
	}
	l.expires[lockName] = l.now().Add(timeout)
	return true, nil
}

func (l *LocalLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.expires[lockName]; !ok {
		return false, fmt.Errorf("未持有锁 %s", lockName)
	}
	l.expires[lockName] = l.now().Add(timeout)
	return true, nil
}

func (l *LocalLock) ReleaseLock(lockName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, lockName)
	return nil
}

func (l *LocalLock) ReleaseAllLocks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires = make(map[string]time.Time)
}

func (l *LocalLock) Close() error {
	l.ReleaseAllLocks()
	return nil
}
