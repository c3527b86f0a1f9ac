package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig tunes a consumer group member.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// FromBeginning starts at the earliest offset when the group has no
	// committed position.
	FromBeginning bool
}

// DefaultConsumerConfig returns defaults for the PDMP reporting worker.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "pdmp-reporter",
		Topics:        []string{TopicPDMPReports},
		FromBeginning: true,
	}
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message. Returning an error leaves the offset
// uncommitted so the message is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// Consumer is a consumer-group member with manual offset commits: an offset
// is committed only after its handler returns nil.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	handler Handler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.FromBeginning {
		offset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("dispensing-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the poll loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.pollLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop cancels the poll loop and closes the client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var handled []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := c.handleRecord(rec); err != nil {
				c.logger.Error("handler failed, offset not committed",
					zap.String("topic", rec.Topic),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				return
			}
			handled = append(handled, rec)
		})

		if len(handled) > 0 {
			if err := c.client.CommitRecords(c.ctx, handled...); err != nil {
				c.logger.Error("offset commit failed", zap.Error(err))
			}
		}
	}
}

func (c *Consumer) handleRecord(rec *kgo.Record) error {
	ctx, span := c.tracer.Start(c.ctx, "consume_event",
		trace.WithAttributes(
			attribute.String("topic", rec.Topic),
			attribute.Int64("offset", rec.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}

	if err := c.handler(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
