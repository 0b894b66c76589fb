package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const SweeperLockName = "realpick:settlement:sweeper"

// Leader 只有主节点执行定时结算
type Leader interface {
	Ensure() bool
	Resign()
}

// deferRounds 平票或无人投票的任务推迟这么多个周期再尝试
const deferRounds = 30

// Sweeper 定时结算已过截止时间的多数派任务，答案取多数选项
type Sweeper struct {
	engine   *Engine
	leader   Leader
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	deferred map[string]time.Time // 任务ID -> 下次尝试时间
}

func NewSweeper(engine *Engine, leader Leader, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   engine,
		leader:   leader,
		interval: interval,
		stopChan: make(chan struct{}),
		deferred: make(map[string]time.Time),
	}
}

// Start 启动定时结算
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					logging.Log.Errorf("定时结算失败: %v", err)
				}
			case <-s.stopChan:
				logging.Log.Info("定时结算已停止")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	logging.Log.Infof("定时结算已启动，间隔: %v", s.interval)
}

// Stop 停止定时结算并释放锁
func (s *Sweeper) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.leader.Resign()
}

// SweepOnce 执行一轮，返回本轮结算的任务数。非主节点直接返回。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.leader.Ensure() {
		return 0, nil
	}

	now := s.engine.now()
	missions, err := s.engine.repo.ListExpiredOpenMissions(ctx, now,
		[]model.MissionKind{model.KindMajority, model.KindPoll})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDeferred(missions)

	settled := 0
	for _, m := range missions {
		retryAt, wasDeferred := s.deferred[m.ID]
		if wasDeferred && now.Before(retryAt) {
			continue
		}
		report, err := s.engine.SettleMission(ctx, m.ID, model.Answer{})
		if err != nil {
			if apperr.IsKind(err, apperr.InvalidInput) {
				// 平票或无人投票，需要人工给出答案
				s.deferred[m.ID] = now.Add(deferRounds * s.interval)
				if wasDeferred {
					logging.Log.Debugf("任务 %s 仍无法自动结算: %v", m.ID, err)
				} else {
					logging.Log.Warnf("任务 %s 无法自动结算，等待人工结算: %v", m.ID, err)
				}
			} else {
				logging.Log.Errorf("自动结算任务 %s 失败: %v", m.ID, err)
			}
			continue
		}
		delete(s.deferred, m.ID)
		if report.Applied {
			settled++
		}
	}
	if settled > 0 {
		logging.Log.Infof("本轮自动结算 %d 个任务", settled)
	}
	return settled, nil
}

// pruneDeferred 已被人工结算的任务不再出现在列表中
func (s *Sweeper) pruneDeferred(missions []*model.Mission) {
	if len(s.deferred) == 0 {
		return
	}
	open := make(map[string]struct{}, len(missions))
	for _, m := range missions {
		open[m.ID] = struct{}{}
	}
	for id := range s.deferred {
		if _, ok := open[id]; !ok {
			delete(s.deferred, id)
		}
	}
}
