package ingest

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const pollTimeoutMs = 100

// poller is the part of *kafka.Consumer the feed uses.
type poller interface {
	Poll(timeoutMs int) kafka.Event
	Close() error
}

type KafkaOptions struct {
	Brokers string
	Topic   string
	GroupID string
}

// KafkaConsumer reads vitals payloads from a Kafka topic.
type KafkaConsumer struct {
	opts      KafkaOptions
	submitter *Submitter
	logger    *zap.Logger
	consumer  poller
}

func NewKafkaConsumer(opts KafkaOptions, submitter *Submitter, logger *zap.Logger) (*KafkaConsumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": opts.Brokers,
		"group.id":          opts.GroupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.Subscribe(opts.Topic, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", opts.Topic, err)
	}
	return newKafkaConsumer(opts, consumer, submitter, logger), nil
}

func newKafkaConsumer(opts KafkaOptions, consumer poller, submitter *Submitter, logger *zap.Logger) *KafkaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		opts:      opts,
		submitter: submitter,
		logger:    logger.Named("kafka").With(zap.String("topic", opts.Topic)),
		consumer:  consumer,
	}
}

func (k *KafkaConsumer) Name() string { return "kafka" }

// Run polls until ctx is done, then closes the consumer.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	defer k.consumer.Close()
	k.logger.Info("kafka consumer started", zap.String("group_id", k.opts.GroupID))

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kafka consumer stopping")
			return nil
		default:
		}

		switch e := k.consumer.Poll(pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			k.handle(ctx, e)
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("kafka consumer failed: %w", e)
			}
			k.logger.Warn("kafka error", zap.Error(e))
		default:
			k.logger.Debug("ignoring kafka event", zap.String("event", e.String()))
		}
	}
}

func (k *KafkaConsumer) handle(ctx context.Context, msg *kafka.Message) {
	ms, err := Decode(msg.Value)
	if err != nil {
		k.submitter.metrics.Measurement(k.Name(), "invalid")
		k.logger.Warn("undecodable payload",
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)),
			zap.Error(err))
		return
	}
	k.submitter.SubmitAll(ctx, k.Name(), ms)
}
