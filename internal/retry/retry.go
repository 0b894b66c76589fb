// Package retry 对持久化失败做指数退避重试，其他错误立即返回
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

// Policy 重试策略
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy 写库操作的默认重试策略
var DefaultPolicy = Policy{MaxTries: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do 执行 op，仅 PersistenceFailure 会被重试
func Do[T any](ctx context.Context, p Policy, name string, op func() (T, error)) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !apperr.IsKind(err, apperr.PersistenceFailure) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logging.Log.Warnf("%s 失败，%v 后重试: %v", name, wait, err)
		}),
	)
}

// Delay 第 attempt 次失败后的等待时间，用于异步重试排期
func (p Policy) Delay(attempt int) time.Duration {
	b := p.backOff()
	b.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i < attempt || i == 0; i++ {
		d = b.NextBackOff()
	}
	return d
}
