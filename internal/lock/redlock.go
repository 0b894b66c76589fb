package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedLock 多个独立Redis节点上的Redlock
type RedLock struct {
	clients   []*redis.Client
	addresses []string
	ctx       context.Context
	mu        sync.Mutex
	locks     map[string]string // key是锁名，value是token值
	retries   int
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock(cfg config.RedisConfig, lockCfg config.LockConfig) (*RedLock, error) {
	ctx := context.Background()

	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		// 测试连接
		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}
	return newRedLock(clients, cfg.LockAddresses, lockCfg.RetryCount), nil
}

func newRedLock(clients []*redis.Client, addresses []string, retries int) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients:   clients,
		addresses: addresses,
		ctx:       context.Background(),
		locks:     make(map[string]string),
		retries:   retries,
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 获取分布式锁
func (r *RedLock) AcquireLock(lockName string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := uuid.NewString()

	// Redlock算法: 尝试在多个节点上获取锁
	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(r.ctx, lockName, token, timeout).Result()
			if err != nil {
				logging.Log.Warnf("在节点 %s 获取锁 %s 失败: %v", r.addresses[i], lockName, err)
				continue
			}
			if ok {
				success++
			}
		}

		// 判断是否在多数节点获取成功且仍在有效期内
		validity := timeout - time.Since(start)
		if success >= r.quorum() && validity > 0 {
			r.locks[lockName] = token
			logging.Log.Debugf("获取锁 %s 成功，Token: %s", lockName, token)
			return true, nil
		}

		// 获取失败，释放所有节点上的锁
		r.unlockAll(lockName, token)
		time.Sleep(100 * time.Millisecond)
	}
	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(lockName string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return false, fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(r.ctx, refreshScript, []string{lockName}, token, timeout.Milliseconds()).Int64()
		if err != nil {
			logging.Log.Warnf("在节点 %s 刷新锁 %s 失败: %v", r.addresses[i], lockName, err)
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}
	delete(r.locks, lockName)
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(lockName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, exists := r.locks[lockName]
	if !exists {
		return fmt.Errorf("锁 %s 不存在或未持有", lockName)
	}
	r.unlockAll(lockName, token)
	delete(r.locks, lockName)
	return nil
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(r.ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			logging.Log.Warnf("在节点 %s 释放锁 %s 失败: %v", r.addresses[i], lockName, err)
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(name, token)
	}
	r.locks = make(map[string]string)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			logging.Log.Warnf("关闭Redis客户端失败: %v", err)
		}
	}
	return nil
}
