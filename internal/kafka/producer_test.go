package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-futures/internal/metrics"
	"github.com/eidos-exchange/eidos-futures/internal/model"
)

// recordingProducer 记录发送的消息后交给 mock 处理
// sent 由发送协程写入，Close 之后再读
type recordingProducer struct {
	sarama.SyncProducer
	sent []*sarama.ProducerMessage
}

func (r *recordingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	r.sent = append(r.sent, msg)
	return r.SyncProducer.SendMessage(msg)
}

func newTestProducer(t *testing.T) (*mocks.SyncProducer, *recordingProducer, *Producer) {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, config)
	rec := &recordingProducer{SyncProducer: mp}
	return mp, rec, NewProducerWithClient(rec, "")
}

func testEvent() *model.AgreementEvent {
	return &model.AgreementEvent{
		Type:           model.ChainEventTypeBetOpened,
		BetID:          42,
		Initiator:      "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Side:           model.SideLong,
		Amount:         decimal.RequireFromString("1000000000000000000"),
		ExpirationTime: 1700000060,
		ClosingTime:    1700000360,
		BlockNumber:    12,
		TxHash:         "0xabc",
		LogIndex:       1,
	}
}

func TestProducer_PublishAgreementEvent(t *testing.T) {
	mp, rec, p := newTestProducer(t)

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded model.AgreementEvent
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded.BetID != 42 {
			return errors.New("unexpected bet id")
		}
		return nil
	})

	require.NoError(t, p.PublishAgreementEvent(context.Background(), testEvent()))
	require.NoError(t, p.Close())

	require.Len(t, rec.sent, 1)
	msg := rec.sent[0]
	assert.Equal(t, TopicAgreementEvents, msg.Topic)

	key, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "42", string(key))

	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event_type", string(msg.Headers[0].Key))
	assert.Equal(t, "BetOpened", string(msg.Headers[0].Value))

	value, err := msg.Value.Encode()
	require.NoError(t, err)
	var decoded model.AgreementEvent
	require.NoError(t, json.Unmarshal(value, &decoded))
	assert.True(t, decoded.Amount.Equal(decimal.RequireFromString("1000000000000000000")))
	assert.Equal(t, uint64(12), decoded.BlockNumber)
}

func TestProducer_PreservesOrder(t *testing.T) {
	mp, rec, p := newTestProducer(t)

	types := []model.ChainEventType{
		model.ChainEventTypeBetOpened,
		model.ChainEventTypeBetJoined,
		model.ChainEventTypeBetClosed,
	}
	for _, typ := range types {
		mp.ExpectSendMessageAndSucceed()
		event := testEvent()
		event.Type = typ
		require.NoError(t, p.PublishAgreementEvent(context.Background(), event))
	}
	require.NoError(t, p.Close())

	require.Len(t, rec.sent, len(types))
	for i, typ := range types {
		assert.Equal(t, string(typ), string(rec.sent[i].Headers[0].Value))
	}
}

func TestProducer_SendError(t *testing.T) {
	failed := metrics.KafkaMessagesProduced.WithLabelValues(TopicAgreementEvents, "error")
	before := testutil.ToFloat64(failed)

	mp, rec, p := newTestProducer(t)
	mp.ExpectSendMessageAndFail(errors.New("broker not available"))

	// broker 错误不回传给监听器
	require.NoError(t, p.PublishAgreementEvent(context.Background(), testEvent()))
	require.NoError(t, p.Close())

	assert.Len(t, rec.sent, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
}

// blockingProducer 在 release 关闭前阻塞发送
type blockingProducer struct {
	sarama.SyncProducer
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	sent    int
}

func (b *blockingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
	return 0, 0, nil
}

func (b *blockingProducer) Close() error { return nil }

func TestProducer_QueueFullDrops(t *testing.T) {
	dropped := metrics.KafkaMessagesProduced.WithLabelValues("bounded", "dropped")
	before := testutil.ToFloat64(dropped)

	stub := &blockingProducer{started: make(chan struct{}), release: make(chan struct{})}
	p := newProducer(stub, "bounded", 1)
	ctx := context.Background()

	// 第一条被发送协程取走并阻塞，第二条占满队列
	require.NoError(t, p.PublishAgreementEvent(ctx, testEvent()))
	select {
	case <-stub.started:
	case <-time.After(time.Second):
		t.Fatal("send did not start")
	}
	require.NoError(t, p.PublishAgreementEvent(ctx, testEvent()))

	start := time.Now()
	err := p.PublishAgreementEvent(ctx, testEvent())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))

	close(stub.release)
	require.NoError(t, p.Close())
	assert.Equal(t, 2, stub.sent)
}

func TestProducer_Closed(t *testing.T) {
	_, _, p := newTestProducer(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.PublishAgreementEvent(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestProducer_CustomTopic(t *testing.T) {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	mp := mocks.NewSyncProducer(t, config)
	p := NewProducerWithClient(mp, "futures-events")

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 {
			return errors.New("empty payload")
		}
		return nil
	})

	require.NoError(t, p.PublishAgreementEvent(context.Background(), testEvent()))
	assert.Equal(t, "futures-events", p.topic)
	require.NoError(t, p.Close())
}
