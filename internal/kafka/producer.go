// Package kafka 审计结果的 Kafka 发布
//
// ## Topic
//
//  1. audit-cycle-completed
//     - 消息内容: model.CycleCompletedEvent (每个周期一条，包含终态与交易哈希)
//     - Partition Key: 业务日期 YYYYMMDD
//
//  2. audit-records
//     - 消息内容: model.RecordEvent (每条 DailyRecord 一条)
//     - Partition Key: coreId:date:nodeType
//
// 发布失败只记录日志，不影响链上结果。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	"github.com/Jouleverse/audit/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	TopicCycleCompleted = "audit-cycle-completed"
	TopicRecords        = "audit-records"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	SASL         *SASLConfig
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff
	applySASL(config, cfg.SASL)

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerWith(producer), nil
}

// NewProducerWith 使用已有的 SyncProducer
func NewProducerWith(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

func (p *Producer) message(topic, key string, value interface{}) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}, nil
}

// send 发送单条消息
func (p *Producer) send(msg *sarama.ProducerMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(msg.Topic)

	logger.Debug("kafka message sent",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// sendBatch 批量发送
func (p *Producer) sendBatch(msgs []*sarama.ProducerMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		logger.Error("failed to send kafka batch",
			zap.String("topic", msgs[0].Topic),
			zap.Int("count", len(msgs)),
			zap.Error(err))
		return err
	}
	for _, m := range msgs {
		metrics.RecordKafkaMessage(m.Topic)
	}
	return nil
}

// SendCycleCompleted 发送周期结束事件
func (p *Producer) SendCycleCompleted(ctx context.Context, event *model.CycleCompletedEvent) error {
	msg, err := p.message(TopicCycleCompleted, fmt.Sprintf("%d", event.Date), event)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// SendRecords 发送周期内的全部记录
func (p *Producer) SendRecords(ctx context.Context, events []*model.RecordEvent) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, e := range events {
		msg, err := p.message(TopicRecords, RecordKey(e), e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.sendBatch(msgs)
}

// RecordKey 记录消息的分区键
func RecordKey(e *model.RecordEvent) string {
	return fmt.Sprintf("%d:%d:%d", e.CoreID, e.Date, e.NodeType)
}

// EventPublisher 事件发布器接口
type EventPublisher interface {
	PublishCycleCompleted(ctx context.Context, event *model.CycleCompletedEvent) error
	PublishRecords(ctx context.Context, events []*model.RecordEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishCycleCompleted(ctx context.Context, event *model.CycleCompletedEvent) error {
	return p.producer.SendCycleCompleted(ctx, event)
}

func (p *KafkaEventPublisher) PublishRecords(ctx context.Context, events []*model.RecordEvent) error {
	return p.producer.SendRecords(ctx, events)
}

// NoopPublisher 未启用 Kafka 时使用
type NoopPublisher struct{}

func (NoopPublisher) PublishCycleCompleted(context.Context, *model.CycleCompletedEvent) error {
	return nil
}

func (NoopPublisher) PublishRecords(context.Context, []*model.RecordEvent) error {
	return nil
}
