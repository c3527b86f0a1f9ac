// Package postgres implements the transactional outbox: dispensing events
// are written in the same transaction as the records they describe, then
// relayed to Kafka by a polling processor.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one event awaiting publication.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	// BatchSize is the number of entries claimed per poll.
	BatchSize int
	// PollInterval is the poll period.
	PollInterval time.Duration
	// MaxRetries before an entry is diverted to the dead-letter topic.
	MaxRetries int
}

// DefaultRelayConfig returns defaults suitable for dispensing volumes.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    200,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Publisher publishes a single message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// relayLockID is the advisory lock shared by relay instances so only one
// polls at a time.
const relayLockID = int64(0x52785265)

// Relay polls the outbox and publishes pending entries.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox entry inside the caller's transaction. Call it
// from the same transaction that writes the domain records the event
// describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start launches the polling loop.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop shuts the relay down and waits for the loop to exit.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.drainOnce()
		}
	}
}

// drainOnce claims and publishes one batch under the advisory lock.
func (r *Relay) drainOnce() {
	ctx, span := r.tracer.Start(r.ctx, "outbox_drain")
	defer span.End()

	var acquired bool
	if err := r.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer r.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.claim(ctx)
	if err != nil {
		r.logger.Error("outbox claim failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Error("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (r *Relay) claim(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		errStr := err.Error()
		if _, uerr := r.pool.Exec(ctx,
			"UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2",
			errStr, entry.ID); uerr != nil {
			r.logger.Error("outbox retry bookkeeping failed", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := r.pool.Exec(ctx,
		"UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	return nil
}

// DivertPoisoned moves entries past MaxRetries to the dead-letter topic and
// marks them processed. Returns the number diverted.
func (r *Relay) DivertPoisoned(ctx context.Context, deadLetterTopic string) (int64, error) {
	query := `
		SELECT id, aggregate_id, event_type, payload, topic, key, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query poisoned entries: %w", err)
	}
	defer rows.Close()

	type poisoned struct {
		entry   *OutboxEntry
		payload []byte
	}
	var batch []poisoned
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return 0, fmt.Errorf("scan poisoned entry: %w", err)
		}
		wrapped, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
		})
		batch = append(batch, poisoned{entry: entry, payload: wrapped})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, p := range batch {
		if err := r.publisher.Publish(ctx, deadLetterTopic, p.entry.Key, p.payload); err != nil {
			r.logger.Error("dead-letter publish failed", zap.Int64("id", p.entry.ID), zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", p.entry.ID); err != nil {
			r.logger.Error("dead-letter bookkeeping failed", zap.Int64("id", p.entry.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Purge deletes processed entries older than the given age.
func (r *Relay) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`

	tag, err := r.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Pending returns the number of unprocessed entries, for the metrics gauge.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
		r.config.MaxRetries).Scan(&n)
	return n, err
}
