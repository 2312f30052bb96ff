package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/retry"
	"github.com/listing-tracker/internal/service"
	"github.com/segmentio/kafka-go"
)

// MessageReader abstracts kafka.Reader for testability
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchProcessor applies a batch of observations
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, observations []*models.Observation) *service.BatchReport
}

// NewKafkaObservationReader creates a consumer-group reader for the
// observation topic
func NewKafkaObservationReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// ConsumerConfig holds configuration for an observation consumer
type ConsumerConfig struct {
	Reader    MessageReader
	Processor BatchProcessor
	// BatchSize caps the messages applied per batch (default: 100)
	BatchSize int
	// Linger is how long to wait for more messages once one arrived (default: 50ms)
	Linger time.Duration
	// Retry governs reprocessing of observations that failed transiently
	Retry *retry.RetryConfig
}

// ConsumerStats counts consumer progress
type ConsumerStats struct {
	Batches      int64 `json:"batches"`
	Observations int64 `json:"observations"`
	Failed       int64 `json:"failed"`
	Malformed    int64 `json:"malformed"`
}

// ObservationConsumer reads crawler observations from Kafka, applies them in
// batches and commits offsets once a batch was handled. Delivery is at least
// once; upserts are idempotent so redelivered messages are harmless.
type ObservationConsumer struct {
	reader    MessageReader
	processor BatchProcessor
	batchSize int
	linger    time.Duration
	retry     *retry.RetryConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	batches      atomic.Int64
	observations atomic.Int64
	failed       atomic.Int64
	malformed    atomic.Int64
}

// NewObservationConsumer creates a consumer
func NewObservationConsumer(cfg *ConsumerConfig) (*ObservationConsumer, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("message reader cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("batch processor cannot be nil")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	linger := cfg.Linger
	if linger <= 0 {
		linger = 50 * time.Millisecond
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultRetryConfig()
	}

	return &ObservationConsumer{
		reader:    cfg.Reader,
		processor: cfg.Processor,
		batchSize: batchSize,
		linger:    linger,
		retry:     retryCfg,
	}, nil
}

// Start runs the consume loop in a goroutine
func (c *ObservationConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("observation consumer is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.stopCh:
		case <-loopCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer close(c.doneCh)
		if err := c.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logging.FromContext(ctx).WithError(err).Error("Observation consumer stopped")
		}
	}()

	logging.FromContext(ctx).WithField("batchSize", c.batchSize).Info("Observation consumer started")
	return nil
}

// Stop signals the loop to finish its current batch and waits for it
func (c *ObservationConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("observation consumer is not running")
	}
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader fails
func (c *ObservationConsumer) Run(ctx context.Context) error {
	for {
		if err := c.pollOnce(ctx); err != nil {
			return err
		}
	}
}

// pollOnce fetches one batch, applies it and commits it
func (c *ObservationConsumer) pollOnce(ctx context.Context) error {
	msgs, err := c.fetchBatch(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	observations := c.decode(ctx, msgs)
	if len(observations) > 0 {
		c.apply(ctx, observations)
	}

	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	c.batches.Add(1)
	return nil
}

// fetchBatch blocks for the first message, then collects more until the
// batch is full or the linger window closes
func (c *ObservationConsumer) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []kafka.Message{first}

	lingerCtx, cancel := context.WithTimeout(ctx, c.linger)
	defer cancel()
	for len(msgs) < c.batchSize {
		m, err := c.reader.FetchMessage(lingerCtx)
		if err != nil {
			if lingerCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// decode accepts a single observation or an array per message. Malformed
// messages are logged and skipped; they would never decode on redelivery.
func (c *ObservationConsumer) decode(ctx context.Context, msgs []kafka.Message) []*models.Observation {
	var out []*models.Observation
	for _, m := range msgs {
		obs, err := models.DecodeObservations(m.Value)
		if err != nil {
			c.malformed.Add(1)
			logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"topic":     m.Topic,
				"partition": m.Partition,
				"offset":    m.Offset,
			}).Warn("Skipping malformed observation message")
			continue
		}
		out = append(out, obs...)
	}
	return out
}

// apply processes the batch and reprocesses transient failures with backoff.
// Upserts are idempotent, so re-running an observation is safe.
func (c *ObservationConsumer) apply(ctx context.Context, observations []*models.Observation) {
	c.observations.Add(int64(len(observations)))
	pending := observations

	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		report := c.processor.ProcessBatch(ctx, pending)

		var again []*models.Observation
		for i := range report.Results {
			r := &report.Results[i]
			switch {
			case r.Retryable():
				again = append(again, pending[r.Index])
			case r.Err() != nil:
				c.failed.Add(1)
			}
		}
		pending = again
		if len(again) == 0 {
			return nil
		}
		return fmt.Errorf("%d observations failed transiently", len(again))
	})

	if !result.Success {
		c.failed.Add(int64(len(pending)))
		logging.FromContext(ctx).WithError(result.LastError).
			WithField("attempts", result.Attempts).
			Error("Giving up on observations after retries")
	}
}

// Stats returns a snapshot of the consumer counters
func (c *ObservationConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Batches:      c.batches.Load(),
		Observations: c.observations.Load(),
		Failed:       c.failed.Load(),
		Malformed:    c.malformed.Load(),
	}
}
