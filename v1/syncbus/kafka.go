package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries the signals of every key; keys travel as the
// message key.
const DefaultKafkaTopic = "fairlock.signals"

// KafkaBus implements Bus on a single Kafka topic. Every partition is
// consumed from the newest offset, so only signals published after the bus
// started are seen.
type KafkaBus struct {
	topic     string
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	pcs       []sarama.PartitionConsumer
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
	wg        sync.WaitGroup
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := &KafkaBus{
		topic:    topic,
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     make(map[string][]chan struct{}),
	}
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		b.Close()
		return nil, err
	}
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.pcs = append(b.pcs, pc)
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		key := string(msg.Key)
		b.mu.Lock()
		atomic.AddUint64(&b.delivered, fanout(b.subs[key]))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	for _, pc := range b.pcs {
		pc.AsyncClose()
	}
	b.wg.Wait()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	_ = b.client.Close()
}
