package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const headerEventType = "event-type"

type Producer struct {
	writer            *kafka.Writer
	notificationTopic string
	commandTopic      string
	partitionCount    int // 通知主题的分区数量
}

func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka地址")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.NotificationTopic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.NotificationTopic {
			topicPartitions++
		}
	}
	logging.Log.Infof("生产者检测到Kafka主题 %s 有 %d 个分区", cfg.NotificationTopic, topicPartitions)

	// 不在 Writer 上固定主题，通知和结算指令共用一个 Writer
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	return &Producer{
		writer:            writer,
		notificationTopic: cfg.NotificationTopic,
		commandTopic:      cfg.CommandTopic,
		partitionCount:    topicPartitions,
	}, nil
}

func notificationMessage(topic string, msg *model.OutboxMessage) kafka.Message {
	// 以任务ID为分区key，同一任务的通知保持顺序
	return kafka.Message{
		Topic: topic,
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(msg.EventType)},
		},
		Time: msg.CreatedAt,
	}
}

// PublishNotification 投递一条结算通知
func (p *Producer) PublishNotification(ctx context.Context, msg *model.OutboxMessage) error {
	if err := p.writer.WriteMessages(ctx, notificationMessage(p.notificationTopic, msg)); err != nil {
		return fmt.Errorf("发送结算通知失败: %w", err)
	}
	return nil
}

// SendCommand 发送结算指令，由消费者异步执行
func (p *Producer) SendCommand(ctx context.Context, cmd *model.SettlementCommand) error {
	msg, err := commandMessage(p.commandTopic, cmd)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送结算指令失败: %w", err)
	}
	logging.Log.Infof("已发送结算指令: 类型=%s, 任务=%s", cmd.Type, cmd.MissionID)
	return nil
}

func commandMessage(topic string, cmd *model.SettlementCommand) (kafka.Message, error) {
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化结算指令失败: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(cmd.MissionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(cmd.Type)},
		},
		Time: cmd.RequestedAt,
	}, nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
