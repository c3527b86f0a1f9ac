// Package idempotency deduplicates dispense requests through a persistent
// inbox. A replayed request gets the stored outcome of its first run instead
// of a second pass through the pipeline.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the processing state of an inbox entry.
type State string

const (
	StateStarted     State = "STARTED"
	StateFinished    State = "FINISHED"
	StateRecoverable State = "RECOVERABLE"
)

// ErrInProgress is returned when another handler holds the entry.
var ErrInProgress = errors.New("request in progress by another handler")

// Config tunes the inbox.
type Config struct {
	// TTL bounds how long finished entries are kept for replay.
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed.
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Outcome is the stored result of one processed request.
type Outcome struct {
	// Replay is true when the outcome was served from a previous run.
	Replay bool
	Body   []byte
	Status int
}

// ProcessFunc runs the request once. It returns the response body and HTTP
// status for any settled outcome, including business rejections. An error
// marks the entry recoverable so the request can be retried.
type ProcessFunc func(ctx context.Context) ([]byte, int, error)

// Inbox persists request outcomes keyed by idempotency key.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox backed by the given pool.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("dispense-inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// RequestKey derives a deterministic idempotency key from the fields that
// identify one fill attempt. The timestamp is truncated to the minute so
// retries with small clock drift dedupe to the same key.
func RequestKey(prescriptionItemID, pharmacyID string, quantity int, at time.Time) string {
	raw := strings.Join([]string{
		prescriptionItemID,
		pharmacyID,
		strconv.Itoa(quantity),
		at.Truncate(time.Minute).UTC().Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Process runs fn exactly once per key. A second call with the same key
// replays the stored outcome; a concurrent call returns ErrInProgress.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.state {
		case StateFinished:
			span.SetAttributes(attribute.Bool("replay", true))
			return &Outcome{Replay: true, Body: entry.body, Status: entry.status}, nil

		case StateStarted:
			if time.Since(entry.updatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Abandoned by a crashed handler; reclaim it.
			if err := i.markRecoverable(ctx, key); err != nil {
				return nil, fmt.Errorf("reclaim stale entry: %w", err)
			}
		}
	}

	if err := i.claim(ctx, key, handlerName); err != nil {
		return nil, err
	}

	body, status, runErr := fn(ctx)
	if runErr != nil {
		if err := i.markRecoverable(ctx, key); err != nil {
			i.logger.Error("mark recoverable failed", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := i.markFinished(ctx, key, body, status); err != nil {
		// The run itself succeeded; log and serve the fresh outcome.
		i.logger.Error("mark finished failed", zap.String("key", key), zap.Error(err))
	}

	return &Outcome{Body: body, Status: status}, nil
}

type inboxRow struct {
	state     State
	body      []byte
	status    int
	updatedAt time.Time
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*inboxRow, error) {
	query := `
		SELECT state, COALESCE(body, ''::bytea), COALESCE(http_status, 0), updated_at
		FROM dispense_inbox
		WHERE idempotency_key = $1
	`
	row := &inboxRow{}
	err := i.pool.QueryRow(ctx, query, key).Scan(&row.state, &row.body, &row.status, &row.updatedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// claim inserts or retakes the entry as STARTED. Losing the race to another
// handler yields ErrInProgress.
func (i *Inbox) claim(ctx context.Context, key, handlerName string) error {
	expiresAt := time.Now().Add(i.config.TTL)

	query := `
		INSERT INTO dispense_inbox (idempotency_key, handler_name, state, expires_at)
		VALUES ($1, $2, 'STARTED', $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET state = 'STARTED', updated_at = NOW()
		WHERE dispense_inbox.state = 'RECOVERABLE'
		RETURNING idempotency_key
	`

	var returned string
	if err := i.pool.QueryRow(ctx, query, key, handlerName, expiresAt).Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInProgress
		}
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) markFinished(ctx context.Context, key string, body []byte, status int) error {
	query := `
		UPDATE dispense_inbox
		SET state = 'FINISHED', body = $1, http_status = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.pool.Exec(ctx, query, body, status, key)
	return err
}

func (i *Inbox) markRecoverable(ctx context.Context, key string) error {
	query := `
		UPDATE dispense_inbox
		SET state = 'RECOVERABLE', updated_at = NOW()
		WHERE idempotency_key = $1
	`
	_, err := i.pool.Exec(ctx, query, key)
	return err
}

// StartCleanup begins removing expired entries in the background.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM dispense_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStale marks abandoned STARTED entries recoverable. Run at startup
// so requests stranded by a crash can be retried.
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE dispense_inbox
		SET state = 'RECOVERABLE', updated_at = NOW()
		WHERE state = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`
	result, err := i.pool.Exec(ctx, query, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
