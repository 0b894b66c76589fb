// Package outbox 将结算事务内写入的通知投递到消息队列，失败按退避策略重排
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/retry"
)

const RelayLockName = "realpick:outbox:relay"

type Store interface {
	FetchDueOutbox(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, lastErr string, nextAttempt time.Time, giveUp bool) error
}

// Publisher 通知的实际投递方
type Publisher interface {
	PublishNotification(ctx context.Context, msg *model.OutboxMessage) error
}

type Leader interface {
	Ensure() bool
	Resign()
}

type Relay struct {
	store       Store
	publisher   Publisher
	leader      Leader
	interval    time.Duration
	batchSize   int
	maxAttempts int
	policy      retry.Policy
	now         func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRelay(store Store, publisher Publisher, leader Leader, cfg config.OutboxConfig) *Relay {
	r := &Relay{
		store:       store,
		publisher:   publisher,
		leader:      leader,
		interval:    cfg.RelayInterval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		policy:      retry.Policy{InitialInterval: time.Second, MaxInterval: 5 * time.Minute},
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	return r
}

func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.RelayOnce(ctx); err != nil {
					logging.Log.Errorf("投递结算通知失败: %v", err)
				}
			case <-r.stopChan:
				logging.Log.Info("通知投递已停止")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	logging.Log.Infof("通知投递已启动，间隔: %v", r.interval)
}

func (r *Relay) Stop() {
	close(r.stopChan)
	r.wg.Wait()
	r.leader.Resign()
}

// RelayOnce 投递一批到期的通知，返回成功条数
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	if !r.leader.Ensure() {
		return 0, nil
	}

	now := r.now()
	due, err := r.store.FetchDueOutbox(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range due {
		if err := r.publisher.PublishNotification(ctx, msg); err != nil {
			r.reschedule(ctx, msg, err, now)
			continue
		}
		if err := r.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			// 已投递但未标记，下一轮会重复投递，消费方按 mission 幂等处理
			logging.Log.Errorf("标记通知 %d 已发送失败: %v", msg.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) reschedule(ctx context.Context, msg *model.OutboxMessage, cause error, now time.Time) {
	attempt := msg.Attempts + 1
	giveUp := attempt >= r.maxAttempts
	next := now.Add(r.policy.Delay(attempt))

	fields := logrus.Fields{"outbox": msg.ID, "event": msg.EventType, "mission": msg.AggregateID, "attempt": attempt}
	if giveUp {
		logging.Log.WithFields(fields).Errorf("通知投递多次失败，已放弃: %v", cause)
	} else {
		logging.Log.WithFields(fields).Warnf("通知投递失败，%v 后重试: %v", next.Sub(now), cause)
	}

	if err := r.store.MarkOutboxRetry(ctx, msg.ID, cause.Error(), next, giveUp); err != nil {
		logging.Log.Errorf("更新通知 %d 重试状态失败: %v", msg.ID, err)
	}
}

// LogPublisher 未启用消息队列时使用，只记录日志
type LogPublisher struct{}

func (LogPublisher) PublishNotification(_ context.Context, msg *model.OutboxMessage) error {
	logging.Log.WithFields(logrus.Fields{
		"event":   msg.EventType,
		"mission": msg.AggregateID,
	}).Infof("结算通知: %s", msg.Payload)
	return nil
}
