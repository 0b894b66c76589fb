package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

type Consumer struct {
	readers    []*kafka.Reader
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	wg         sync.WaitGroup
}

// CommandHandler 处理一条结算指令
type CommandHandler func(ctx context.Context, cmd *model.SettlementCommand) error

func NewConsumer(cfg config.KafkaConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka地址")
	}
	ctx, cancel := context.WithCancel(context.Background())
	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	// 获取Kafka主题的分区数量
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, err := kafka.DialLeader(dialCtx, "tcp", cfg.Brokers[0], cfg.CommandTopic, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	var topicPartitions []int
	for _, p := range partitions {
		if p.Topic == cfg.CommandTopic {
			topicPartitions = append(topicPartitions, p.ID)
		}
	}
	logging.Log.Infof("检测到Kafka主题 %s 有 %d 个分区", cfg.CommandTopic, len(topicPartitions))

	// 分区数量小于worker数量时，多余的worker没有意义
	if len(topicPartitions) > 0 && len(topicPartitions) < numWorkers {
		logging.Log.Infof("分区数量(%d)小于期望的goroutine数量(%d), 将使用%d个goroutine消费",
			len(topicPartitions), numWorkers, len(topicPartitions))
		numWorkers = len(topicPartitions)
	}

	configs := readerConfigs(cfg, topicPartitions, numWorkers)
	readers := make([]*kafka.Reader, 0, len(configs))
	for i, rc := range configs {
		r, err := newReader(rc)
		if err != nil {
			cancel()
			for _, opened := range readers {
				opened.Close()
			}
			return nil, err
		}
		readers = append(readers, r)
		if rc.GroupID != "" {
			logging.Log.Infof("创建消费者组Reader，GroupID: %s", rc.GroupID)
		} else {
			logging.Log.Infof("消费者工作线程 #%d 将处理分区: %d", i, rc.Partition)
		}
	}
	numWorkers = len(readers)

	return &Consumer{
		readers:    readers,
		ctx:        ctx,
		cancel:     cancel,
		numWorkers: numWorkers,
	}, nil
}

// readerConfigs 同一任务的指令按任务ID路由到同一分区，每个分区一个reader可以保证顺序。
// 未检测到分区时退回消费者组模式。
func readerConfigs(cfg config.KafkaConfig, partitions []int, numWorkers int) []kafka.ReaderConfig {
	var configs []kafka.ReaderConfig
	for i := 0; i < numWorkers && i < len(partitions); i++ {
		configs = append(configs, kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.CommandTopic,
			Partition: partitions[i],
			MinBytes:  1,
			MaxBytes:  10e6, // 10MB
		})
	}
	if len(configs) == 0 {
		logging.Log.Warn("未检测到分区，将使用消费者组模式")
		configs = append(configs, kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.CommandTopic,
			GroupID:     cfg.GroupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	return configs
}

// newReader 分区reader没有提交位点，从最新位置开始读，重启后不会重放历史指令
func newReader(rc kafka.ReaderConfig) (*kafka.Reader, error) {
	r := kafka.NewReader(rc)
	if rc.GroupID != "" {
		return r, nil
	}
	if err := r.SetOffset(kafka.LastOffset); err != nil {
		r.Close()
		return nil, fmt.Errorf("设置分区 %d 的起始位点失败: %w", rc.Partition, err)
	}
	return r, nil
}

// StartConsuming 每个 reader 一个 goroutine
func (c *Consumer) StartConsuming(handler CommandHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	logging.Log.Infof("已启动 %d 个Kafka消费者工作线程", len(c.readers))
}

func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler CommandHandler) {
	logging.Log.Infof("消费者工作线程 #%d 已启动", workerID)

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				logging.Log.Infof("消费者工作线程 #%d 收到停止信号", workerID)
				return
			}
			logging.Log.Errorf("消费者工作线程 #%d 读取消息失败: %v", workerID, err)
			time.Sleep(time.Second)
			continue
		}

		cmd, err := decodeCommand(m.Value)
		if err != nil {
			logging.Log.Errorf("消费者工作线程 #%d 解析消息失败: 分区=%d, 偏移量=%d, %v",
				workerID, m.Partition, m.Offset, err)
			continue
		}

		if err := handler(c.ctx, cmd); err != nil {
			logging.Log.Errorf("消费者工作线程 #%d 处理结算指令失败: 类型=%s, 任务=%s, %v",
				workerID, cmd.Type, cmd.MissionID, err)
		}
	}
}

func decodeCommand(data []byte) (*model.SettlementCommand, error) {
	var cmd model.SettlementCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.MissionID == "" {
		return nil, fmt.Errorf("结算指令缺少任务ID")
	}
	switch cmd.Type {
	case model.CommandSettleMission, model.CommandSettleCoupleMission, model.CommandSettleEpisodes:
	default:
		return nil, fmt.Errorf("未知的结算指令类型: %q", cmd.Type)
	}
	return &cmd, nil
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	logging.Log.Info("正在停止所有Kafka消费者工作线程...")
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			logging.Log.Errorf("关闭消费者 #%d 失败: %v", i, err)
			errs = append(errs, err)
		}
	}

	logging.Log.Info("所有Kafka消费者工作线程已停止")
	return errors.Join(errs...)
}
