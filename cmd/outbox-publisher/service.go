package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/metrics"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPoll           = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	defaultConcurrency    = 4
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

// sink is the broker behind the publisher: Pub/Sub or Kafka.
type sink interface {
	Ping(context.Context) error
	Publish(ctx context.Context, topic, key string, data []byte, attrs map[string]string) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Sink          sink
	SinkName      string
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Metrics       *metrics.FinanceMetrics
}

// Service drains outbox_events to the broker. Aggregates in a batch publish
// in parallel; the events of a single aggregate publish in creation order
// and stop at the first retryable failure so consumers never see a payout's
// transitions out of order.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	sink         sink
	sinkName     string
	registry     registryResolver
	dlq          dlqRepository
	metrics      *metrics.FinanceMetrics
	batchSize    int
	maxAttempts  int
	concurrency  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Sink == nil:
		return nil, errors.New("event sink is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	cfg := params.Config.Outbox
	s := &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		sink:         params.Sink,
		sinkName:     params.SinkName,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		metrics:      params.Metrics,
		batchSize:    orDefault(cfg.BatchSize, defaultBatchSize),
		maxAttempts:  orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		concurrency:  orDefault(cfg.Concurrency, defaultConcurrency),
		pollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
	if s.sinkName == "" {
		s.sinkName = "sink"
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPoll
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := s.sink.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", s.sinkName, err)
	}

	backoff := s.pollInterval
	for {
		if ctx.Err() != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return ctx.Err()
		}

		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
		case processed:
			backoff = s.pollInterval
			continue
		default:
			backoff = s.pollInterval
		}
		if err := sleep(ctx, withJitter(backoff)); err != nil {
			return err
		}
	}
}

// result is the publish outcome for one claimed row.
type result struct {
	event    models.OutboxEvent
	topic    string
	err      error
	terminal enums.OutboxDLQErrorReason
	deferred bool
}

func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		processed = true

		for _, res := range s.publishAll(ctx, events) {
			if err := s.record(ctx, tx, res); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// publishAll fans out per aggregate. Results keep the claim order.
func (s *Service) publishAll(ctx context.Context, events []models.OutboxEvent) []result {
	results := make([]result, len(events))
	groups := map[string][]int{}
	var order []string
	for i, ev := range events {
		if _, ok := groups[ev.AggregateID]; !ok {
			order = append(order, ev.AggregateID)
		}
		groups[ev.AggregateID] = append(groups[ev.AggregateID], i)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			blocked := false
			for _, i := range idx {
				if blocked {
					results[i] = result{event: events[i], deferred: true}
					continue
				}
				results[i] = s.publishOne(ctx, events[i])
				blocked = results[i].err != nil && results[i].terminal == ""
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) publishOne(ctx context.Context, event models.OutboxEvent) result {
	res := result{event: event}
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		res.err, res.terminal = err, enums.OutboxDLQReasonNonRetryable
		return res
	}
	res.topic = resolved.Descriptor.Topic
	if res.topic == "" {
		res.err = fmt.Errorf("no topic configured for %s", event.EventType)
		res.terminal = enums.OutboxDLQReasonNonRetryable
		return res
	}

	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID,
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	err = s.sink.Publish(publishCtx, res.topic, event.AggregateID, event.Payload, attrs)
	if err == nil {
		return res
	}

	res.err = err
	var nonRetry registry.NonRetryableError
	switch {
	case errors.As(err, &nonRetry):
		res.terminal = enums.OutboxDLQReasonNonRetryable
	case event.AttemptCount+1 >= s.maxAttempts:
		res.err = fmt.Errorf("max publish attempts reached: %w", err)
		res.terminal = enums.OutboxDLQReasonMaxAttempts
	}
	return res
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, res result) error {
	ev := res.event
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"outbox_id":     ev.ID.String(),
		"event_type":    ev.EventType,
		"aggregate_id":  ev.AggregateID,
		"attempt_count": ev.AttemptCount,
		"topic":         res.topic,
		"sink":          s.sinkName,
	})

	switch {
	case res.deferred:
		s.metrics.IncOutbox("deferred")
		s.logg.Debug(logCtx, "outbox event deferred behind failed predecessor")
		return nil

	case res.err == nil:
		if err := s.repo.MarkPublishedTx(tx, ev.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", ev.ID, err)
		}
		s.metrics.IncOutbox("published")
		s.logg.Info(logCtx, "outbox event published")
		return nil

	case res.terminal != "":
		return s.deadLetter(logCtx, tx, res)

	default:
		s.logg.Warn(s.logg.WithField(logCtx, "error", res.err.Error()), "outbox publish failed")
		s.metrics.IncOutbox("retry")
		if err := s.repo.MarkFailedTx(tx, ev.ID, res.err); err != nil {
			return fmt.Errorf("mark failure %s: %w", ev.ID, err)
		}
		return nil
	}
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, res result) error {
	ev := res.event
	ctx = s.logg.WithFields(ctx, map[string]any{"error_reason": res.terminal, "error": res.err.Error()})
	s.logg.Warn(ctx, "outbox event will not be retried")

	msg := res.err.Error()
	entry := models.OutboxDLQ{
		EventID:       ev.ID,
		EventType:     ev.EventType,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       ev.Payload,
		ErrorReason:   res.terminal,
		ErrorMessage:  &msg,
		AttemptCount:  ev.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", ev.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, ev.ID, res.err, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", ev.ID, err)
	}
	s.metrics.IncOutbox("dead_lettered")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, max)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(jitterWindow)
}
