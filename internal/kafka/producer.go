// Package kafka 将已写入镜像的合约事件发布到 Kafka
//
// Topic: agreement-events
//   - 生产者: eidos-futures (Listener，事件写库成功后)
//   - Partition Key: bet_id，同一 bet 的事件落在同一分区，保持链上顺序
//   - 消息格式: model.AgreementEvent (JSON)
//   - Header event_type: BetOpened / BetJoined / BetClosed
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-futures/internal/metrics"
	"github.com/eidos-exchange/eidos-futures/internal/model"
	"github.com/eidos-exchange/eidos-futures/pkg/logger"
)

// TopicAgreementEvents 合约事件 Topic
const TopicAgreementEvents = "agreement-events"

// DefaultQueueSize 待发送队列默认长度
const DefaultQueueSize = 1024

var (
	ErrProducerClosed = errors.New("producer is closed")
	ErrQueueFull      = errors.New("producer queue is full")
)

// Producer Kafka 生产者
// 发布只入队，由后台协程逐条发送，调用方不等待 broker 确认
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan *sarama.ProducerMessage
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Topic        string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
	QueueSize    int
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	// 按 key 分区
	config.Producer.Partitioner = sarama.NewHashPartitioner

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

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return newProducer(producer, cfg.Topic, cfg.QueueSize), nil
}

// NewProducerWithClient 使用已有的 SyncProducer 创建生产者
func NewProducerWithClient(producer sarama.SyncProducer, topic string) *Producer {
	return newProducer(producer, topic, DefaultQueueSize)
}

func newProducer(producer sarama.SyncProducer, topic string, queueSize int) *Producer {
	if topic == "" {
		topic = TopicAgreementEvents
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Producer{
		producer: producer,
		topic:    topic,
		queue:    make(chan *sarama.ProducerMessage, queueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// run 单协程发送，同一 key 的消息保持入队顺序
func (p *Producer) run() {
	defer close(p.done)
	for msg := range p.queue {
		p.send(msg)
	}
}

// Close 停止入队，发完队列中的消息后关闭底层生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.producer.Close()
}

// send 发送消息，失败只记录
func (p *Producer) send(msg *sarama.ProducerMessage) {
	key, _ := msg.Key.Encode()

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesProduced.WithLabelValues(p.topic, "error").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", p.topic),
			zap.ByteString("key", key),
			zap.Error(err))
		return
	}
	metrics.KafkaMessagesProduced.WithLabelValues(p.topic, "success").Inc()

	logger.Debug("kafka message sent",
		zap.String("topic", p.topic),
		zap.ByteString("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
}

// enqueue 非阻塞入队，队列满时丢弃
func (p *Producer) enqueue(msg *sarama.ProducerMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		metrics.KafkaMessagesProduced.WithLabelValues(p.topic, "dropped").Inc()
		return ErrQueueFull
	}
}

// PublishAgreementEvent 发布已应用的合约事件
// 签名与 ListenerService.SetOnEventApplied 回调一致，不阻塞监听器
func (p *Producer) PublishAgreementEvent(ctx context.Context, event *model.AgreementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.enqueue(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(event.BetID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	})
}
