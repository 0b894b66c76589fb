package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/repository"
	"github.com/lvdashuaibi/realpick/internal/service"
)

var (
	configPath string
	instanceID int
)

var rootCmd = &cobra.Command{
	Use:           "realpick",
	Short:         "RealPick 恋爱综艺预测投票服务",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().IntVar(&instanceID, "instance", 1, "实例ID，用于区分多个实例")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(recalcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Log.Errorf("执行失败: %v", err)
		os.Exit(1)
	}
}

// bootstrap 加载配置并初始化日志
func bootstrap() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.BootstrapLogger(cfg.Log.Level, cfg.Log.Format)
	logging.Log.Infof("配置加载成功，当前实例ID: %d", instanceID)
	return cfg, nil
}

// openService 打开存储并创建业务服务，调用方负责执行返回的 closer
func openService(cfg *config.Config) (*service.MissionService, *repository.SQLRepository, func(), error) {
	repo, err := repository.Open(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.Log.Infof("%s仓库初始化成功", repo.Driver())

	var cache *repository.RedisRepository
	if cfg.Redis.Enabled {
		cache, err = repository.NewRedisRepository(cfg.Redis)
		if err != nil {
			repo.Close()
			return nil, nil, nil, err
		}
		logging.Log.Info("Redis缓存初始化成功")
	}

	closer := func() {
		if cache != nil {
			if err := cache.Close(); err != nil {
				logging.Log.Warnf("关闭Redis失败: %v", err)
			}
		}
		repo.Close()
	}
	return service.NewMissionService(repo, cache, cfg.Settlement), repo, closer, nil
}
