package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const (
	// Redis键前缀
	ResultsKey = "realpick:results:"
	BalanceKey = "realpick:balance:"

	setResultsScriptName = "setResultsIfNewer"

	// 只在版本更新时覆盖统计缓存，避免并发重算时旧结果覆盖新结果
	SetResultsIfNewerScript = `
		local current = redis.call('HGET', KEYS[1], 'version')
		if current and tonumber(current) >= tonumber(ARGV[1]) then
			return 0
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[1], 'payload', ARGV[2])
		redis.call('PEXPIRE', KEYS[1], ARGV[3])
		return 1
	`
)

// RedisRepository 统计结果与用户积分缓存
type RedisRepository struct {
	client       *redis.Client
	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
	resultTTL    time.Duration
	balanceTTL   time.Duration
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	ctx := context.Background()

	// 创建Redis客户端（普通客户端，用于数据存储）
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
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
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
		resultTTL:    cfg.ResultTTL,
		balanceTTL:   cfg.BalanceTTL,
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, SetResultsIfNewerScript).Result()
	if err != nil {
		return fmt.Errorf("加载统计缓存脚本失败: %w", err)
	}
	r.mu.Lock()
	r.scriptHashes[setResultsScriptName] = sha1
	r.mu.Unlock()
	return nil
}

// resultsKey 统计缓存键，episodeNo 为空表示任务整体
func resultsKey(missionID string, episodeNo *int) string {
	if episodeNo == nil {
		return ResultsKey + missionID
	}
	return fmt.Sprintf("%s%s:ep:%d", ResultsKey, missionID, *episodeNo)
}

// GetResults 从缓存获取统计结果
func (r *RedisRepository) GetResults(ctx context.Context, missionID string, episodeNo *int) (*model.AggregatedResults, bool, error) {
	key := resultsKey(missionID, episodeNo)
	data, err := r.client.HGet(ctx, key, "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取统计缓存失败: %w", err)
	}

	var results model.AggregatedResults
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		return nil, false, fmt.Errorf("解析统计缓存失败: %w", err)
	}
	return &results, true, nil
}

// SetResults 使用预加载的Lua脚本按版本写入统计缓存
func (r *RedisRepository) SetResults(ctx context.Context, results *model.AggregatedResults) error {
	key := resultsKey(results.MissionID, results.EpisodeNo)
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("序列化统计结果失败: %w", err)
	}
	args := []any{results.Version, string(data), r.resultTTL.Milliseconds()}

	r.mu.RLock()
	sha1, ok := r.scriptHashes[setResultsScriptName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("脚本未预加载")
	}

	err = r.client.EvalSha(ctx, sha1, []string{key}, args...).Err()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// 脚本缓存被清空，重新加载后再试一次
		if err := r.preloadScripts(ctx); err != nil {
			return err
		}
		r.mu.RLock()
		sha1 = r.scriptHashes[setResultsScriptName]
		r.mu.RUnlock()
		err = r.client.EvalSha(ctx, sha1, []string{key}, args...).Err()
	}
	if err != nil {
		return fmt.Errorf("执行统计缓存脚本失败: %w", err)
	}
	return nil
}

// InvalidateResults 删除统计缓存
func (r *RedisRepository) InvalidateResults(ctx context.Context, missionID string, episodeNo *int) error {
	if err := r.client.Del(ctx, resultsKey(missionID, episodeNo)).Err(); err != nil {
		return fmt.Errorf("删除统计缓存失败: %w", err)
	}
	return nil
}

// GetBalance 从缓存获取用户积分
func (r *RedisRepository) GetBalance(ctx context.Context, userID string) (int, bool, error) {
	points, err := r.client.Get(ctx, BalanceKey+userID).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("获取用户积分缓存失败: %w", err)
	}
	return points, true, nil
}

// SetBalance 设置用户积分缓存
func (r *RedisRepository) SetBalance(ctx context.Context, userID string, points int) error {
	if err := r.client.Set(ctx, BalanceKey+userID, points, r.balanceTTL).Err(); err != nil {
		return fmt.Errorf("设置用户积分缓存失败: %w", err)
	}
	return nil
}

// DeleteBalance 删除用户积分缓存
func (r *RedisRepository) DeleteBalance(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, BalanceKey+userID).Err(); err != nil {
		return fmt.Errorf("删除用户积分缓存失败: %w", err)
	}
	return nil
}

// Client 供 Redlock 等组件复用连接配置
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
