package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const attemptHeader = "attempt"

type KafkaProducer struct {
	producer       sarama.SyncProducer
	topic          string
	enqueueTimeout time.Duration
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = false
	return config
}

func NewKafkaProducer(brokers []string, topic string, enqueueTimeout time.Duration) (*KafkaProducer, error) {
	config := newProducerConfig()
	if enqueueTimeout > 0 {
		config.Producer.Timeout = enqueueTimeout
		config.Net.DialTimeout = enqueueTimeout
	}

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &KafkaProducer{producer: p, topic: topic, enqueueTimeout: enqueueTimeout}, nil
}

func (p *KafkaProducer) Enqueue(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sendMessage(p.producer, p.topic, msg)
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

func sendMessage(producer sarama.SyncProducer, topic string, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(msg.JobID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(attemptHeader), Value: []byte(strconv.Itoa(msg.Attempt))},
		},
	})
	return err
}

type KafkaConsumerOptions struct {
	Brokers         []string
	GroupID         string
	Topic           string
	DeadLetterTopic string
	Policy          RetryPolicy
}

// KafkaConsumer consumes a topic as part of a consumer group. A retry is
// published to a delay topic, one per distinct backoff (<topic>.retry.<ms>),
// so a message waiting for its NotBefore only holds up messages that are due
// even later. Exhausted or non-retryable messages go to the dead-letter
// topic. An offset is marked only after its message has been settled, so a
// crash redelivers it. Partitions are processed sequentially; parallelism
// comes from partitions.
type KafkaConsumer struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	opts     KafkaConsumerOptions
	logger   *zap.Logger

	settleBackoff    time.Duration
	settleMaxBackoff time.Duration
}

func NewKafkaConsumer(opts KafkaConsumerOptions, logger *zap.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(opts.Brokers, opts.GroupID, config)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(opts.Brokers, newProducerConfig())
	if err != nil {
		group.Close()
		return nil, err
	}

	return newKafkaConsumer(group, producer, opts, logger), nil
}

func newKafkaConsumer(group sarama.ConsumerGroup, producer sarama.SyncProducer, opts KafkaConsumerOptions, logger *zap.Logger) *KafkaConsumer {
	opts.Policy = opts.Policy.Normalize()
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = opts.Topic + ".dead"
	}
	return &KafkaConsumer{
		group:            group,
		producer:         producer,
		opts:             opts,
		logger:           logger,
		settleBackoff:    time.Second,
		settleMaxBackoff: 30 * time.Second,
	}
}

// retryTopic names the delay topic for a backoff.
func (c *KafkaConsumer) retryTopic(delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%d", c.opts.Topic, delay.Milliseconds())
}

// Topics lists the main topic followed by every delay topic the retry
// policy can produce to. Requeues use the first delay topic.
func (c *KafkaConsumer) Topics() []string {
	topics := []string{c.opts.Topic}
	seen := make(map[string]bool)
	for attempt := 1; attempt <= max(c.opts.Policy.MaxAttempts-1, 1); attempt++ {
		topic := c.retryTopic(c.opts.Policy.Backoff(attempt))
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	return topics
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Consumer group error", zap.Error(err))
		}
	}()

	h := &consumerHandler{consumer: c, fn: handler}
	topics := c.Topics()
	for {
		if err := c.group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("Consumer session ended", zap.Error(err))
			sleep(ctx, time.Second)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	gErr := c.group.Close()
	pErr := c.producer.Close()
	return errors.Join(gErr, pErr)
}

// publish sends msg to topic, retrying with backoff until it succeeds or ctx
// ends. It reports whether the message was sent.
func (c *KafkaConsumer) publish(ctx context.Context, topic string, msg *Message) bool {
	backoff := c.settleBackoff
	for {
		err := sendMessage(c.producer, topic, msg)
		if err == nil {
			return true
		}
		c.logger.Error("Failed to publish settled message",
			zap.String("topic", topic),
			zap.String("job_id", msg.JobID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		sleep(ctx, backoff)
		if ctx.Err() != nil {
			return false
		}
		backoff = min(backoff*2, c.settleMaxBackoff)
	}
}

type consumerHandler struct {
	consumer *KafkaConsumer
	fn       Handler
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.process(session.Context(), record) {
				return nil
			}
			session.MarkMessage(record, "")
		}
	}
}

// process handles one record and reports whether its offset may be marked.
// It returns false only when ctx ends before the record is settled.
func (h *consumerHandler) process(ctx context.Context, record *sarama.ConsumerMessage) bool {
	c := h.consumer

	msg, err := Decode(record.Value)
	if err != nil {
		c.logger.Error("Dropping undecodable record",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err),
		)
		return true
	}

	// Only delay topics carry a NotBefore, and within one delay topic it
	// grows with the offset.
	if wait := time.Until(msg.NotBefore); wait > 0 {
		sleep(ctx, wait)
		if ctx.Err() != nil {
			return false
		}
	}

	handlerErr := h.fn(ctx, msg)
	if handlerErr != nil && ctx.Err() != nil {
		return false
	}

	outcome, delay := c.opts.Policy.Decide(msg.Attempt, handlerErr)
	switch outcome {
	case OutcomeRetry:
		next := msg.retry(handlerErr, delay, time.Now())
		c.logger.Info("Scheduling retry",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", next.Attempt),
			zap.Duration("delay", delay),
		)
		return c.publish(ctx, c.retryTopic(delay), next)
	case OutcomeRequeue:
		c.logger.Warn("Requeueing attempt",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(handlerErr),
		)
		return c.publish(ctx, c.retryTopic(delay), msg.requeue(handlerErr, delay, time.Now()))
	case OutcomeDeadLetter:
		c.logger.Warn("Message dead-lettered",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(handlerErr),
		)
		return c.publish(ctx, c.opts.DeadLetterTopic, msg.dead(handlerErr))
	}

	return true
}
