package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/api/graph"
	intkafka "github.com/lvdashuaibi/realpick/internal/kafka"
	"github.com/lvdashuaibi/realpick/internal/lock"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/outbox"
	"github.com/lvdashuaibi/realpick/internal/repository"
	"github.com/lvdashuaibi/realpick/internal/settlement"
	"github.com/lvdashuaibi/realpick/internal/telemetry"
)

const (
	ServiceStartLockName = "realpick:service:start:lock"
	LockAcquireTimeout   = 30 * time.Second
	ShutdownTimeout      = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 GraphQL 服务、定时结算与通知投递",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logging.Log.Warnf("关闭链路追踪失败: %v", err)
		}
	}()

	distributedLock, err := lock.New(cfg)
	if err != nil {
		return err
	}
	defer distributedLock.Close()
	logging.Log.Infof("分布式锁初始化成功，类型: %s", cfg.Lock.Backend)

	svc, repo, closeStores, err := openService(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	// 只有获取启动锁的实例执行建表，其余实例直接启动
	if err := migrateOnStart(ctx, distributedLock, repo); err != nil {
		return err
	}

	if cfg.Settlement.SweepEnabled {
		leader := lock.NewLeadership(distributedLock, settlement.SweeperLockName, leaseTTL(cfg.Settlement.SweepInterval))
		sweeper := settlement.NewSweeper(svc.Settlement(), leader, cfg.Settlement.SweepInterval)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	var publisher outbox.Publisher = outbox.LogPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()
		publisher = producer
		logging.Log.Info("Kafka生产者初始化成功")

		consumer, err := intkafka.NewConsumer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Stop(); err != nil {
				logging.Log.Warnf("关闭Kafka消费者失败: %v", err)
			}
		}()
		consumer.StartConsuming(svc.HandleSettlementCommand)
		logging.Log.Info("Kafka消费者已启动")
	} else {
		logging.Log.Info("未启用Kafka，结算通知仅写入日志")
	}

	relay := outbox.NewRelay(repo, publisher,
		lock.NewLeadership(distributedLock, outbox.RelayLockName, leaseTTL(cfg.Outbox.RelayInterval)), cfg.Outbox)
	relay.Start(ctx)
	defer relay.Stop()

	server := graph.NewGraphQLServer(svc, cfg.GraphQL, cfg.Server.Mode)
	serverPort := cfg.Server.Port + instanceID - 1
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(serverPort)
	}()
	logging.Log.Infof("RealPick (实例 %d) 已启动，服务地址: http://localhost:%d", instanceID, serverPort)

	select {
	case <-ctx.Done():
		logging.Log.Info("正在关闭服务...")
	case err := <-errCh:
		if err != nil {
			logging.Log.Errorf("GraphQL服务器异常退出: %v", err)
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return server.Shutdown(sctx)
}

func migrateOnStart(ctx context.Context, l lock.Lock, repo *repository.SQLRepository) error {
	acquired, err := l.AcquireLock(ServiceStartLockName, LockAcquireTimeout)
	if err != nil {
		logging.Log.Warnf("获取服务启动锁失败: %v，跳过建表", err)
		return nil
	}
	if !acquired {
		logging.Log.Infof("实例 %d 未获取到服务启动锁，跳过建表", instanceID)
		return nil
	}
	defer func() {
		if err := l.ReleaseLock(ServiceStartLockName); err != nil {
			logging.Log.Warnf("释放服务启动锁失败: %v", err)
		}
	}()

	logging.Log.Infof("实例 %d 获取服务启动锁成功，执行建表", instanceID)
	return repo.Migrate(ctx)
}

// leaseTTL 主节点租约取周期的三倍
func leaseTTL(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Minute
	}
	return 3 * interval
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据表",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		repo, err := repository.Open(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.Migrate(cmd.Context()); err != nil {
			return err
		}
		logging.Log.Infof("%s 建表完成", repo.Driver())
		return nil
	},
}

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "根据投票记录重算全部任务统计",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		return runRecalc(cmd.Context(), cfg)
	},
}

func runRecalc(ctx context.Context, cfg *config.Config) error {
	svc, _, closeStores, err := openService(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	recomputed, failed, err := svc.RecalculateAll(ctx)
	if err != nil {
		return err
	}
	logging.Log.Infof("统计重算完成: 成功 %d，失败 %d", recomputed, failed)
	return nil
}
