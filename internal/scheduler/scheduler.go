package scheduler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopsphere/payment-engine/internal/gateway"
	"github.com/shopsphere/payment-engine/internal/infrastructure/kafka"
	"github.com/shopsphere/payment-engine/internal/infrastructure/observability"
	"github.com/shopsphere/payment-engine/internal/infrastructure/redis"
	"github.com/shopsphere/payment-engine/internal/models"
	"github.com/shopsphere/payment-engine/internal/repository"
	service "github.com/shopsphere/payment-engine/internal/services"
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config holds sweep intervals and bounds. Zero values are replaced with the
// defaults below.
type Config struct {
	ReconcileInterval time.Duration
	RetryInterval     time.Duration
	ExpiryInterval    time.Duration
	AnalyticsInterval time.Duration
	ReconcileMaxAge   time.Duration
	StaleAfter        time.Duration
	MaxRetries        int32
	Workers           int
	BatchLimit        int
	RecordDelay       time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 24 * time.Hour
	}
	if c.AnalyticsInterval <= 0 {
		c.AnalyticsInterval = 24 * time.Hour
	}
	if c.ReconcileMaxAge <= 0 {
		c.ReconcileMaxAge = 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 7 * 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.RecordDelay <= 0 {
		c.RecordDelay = 100 * time.Millisecond
	}
}

// retryBackoff is indexed by retry count; the last entry repeats.
var retryBackoff = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

func backoffFor(retryCount int32) time.Duration {
	idx := int(retryCount)
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return retryBackoff[idx]
}

// Scheduler runs the periodic reconciliation, retry, expiry and analytics
// sweeps. It owns its dedup set and holds its collaborators by injection;
// there is no package-level state. The dedup set is advisory only; the
// conditional status updates in the store are the correctness mechanism.
type Scheduler struct {
	txRepo      repository.TransactionRepository
	orderRepo   repository.OrderRepository
	gw          service.GatewayClient
	producer    kafka.KafkaProducer
	notifier    kafka.Notifier
	redisClient redis.RedisClient
	cfg         Config

	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	txRepo repository.TransactionRepository,
	orderRepo repository.OrderRepository,
	gw service.GatewayClient,
	producer kafka.KafkaProducer,
	notifier kafka.Notifier,
	redisClient redis.RedisClient,
	cfg Config,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		txRepo:      txRepo,
		orderRepo:   orderRepo,
		gw:          gw,
		producer:    producer,
		notifier:    notifier,
		redisClient: redisClient,
		cfg:         cfg,
		inFlight:    make(map[string]struct{}),
	}
}

// Start launches the sweep loops. They stop when Stop is called or the parent
// context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"reconcile", s.cfg.ReconcileInterval, s.reconcileSweep},
		{"retry", s.cfg.RetryInterval, s.retrySweep},
		{"expiry", s.cfg.ExpiryInterval, s.expirySweep},
		{"analytics", s.cfg.AnalyticsInterval, s.analyticsSweep},
	}
	for _, loop := range loops {
		s.wg.Add(1)
		go func(name string, interval time.Duration, run func(context.Context)) {
			defer s.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			slog.Info("scheduler loop started", "sweep", name, "interval", interval.String())
			for {
				select {
				case <-ctx.Done():
					slog.Info("scheduler loop stopped", "sweep", name)
					return
				case <-ticker.C:
					run(ctx)
				}
			}
		}(loop.name, loop.interval, loop.run)
	}
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// claim marks a transaction id as being processed so overlapping sweeps do
// not touch the same record concurrently.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// forEach processes transactions with a bounded worker pool, a small delay
// between records to respect gateway rate limits, and per-record error
// isolation.
func (s *Scheduler) forEach(ctx context.Context, sweep string, txs []models.Transaction, fn func(context.Context, *models.Transaction) error) {
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i := range txs {
		tx := txs[i]
		if !s.claim(tx.ID) {
			continue
		}
		select {
		case <-ctx.Done():
			s.release(tx.ID)
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(tx.ID)
			if err := fn(ctx, &tx); err != nil {
				slog.Error("sweep record failed", "sweep", sweep, "transaction_id", tx.ID, "error", err)
			}
		}()
		time.Sleep(s.cfg.RecordDelay)
	}
	wg.Wait()
}

// acquireSweepLock takes the cross-replica lock for one sweep run, so two
// scheduler replicas do not walk the same batch. Without redis the scheduler
// assumes a single replica and proceeds.
func (s *Scheduler) acquireSweepLock(ctx context.Context, sweep string, ttl time.Duration) bool {
	if s.redisClient == nil {
		return true
	}
	ok, err := s.redisClient.SetNX(ctx, "scheduler:lock:"+sweep, time.Now().Unix(), ttl)
	if err != nil {
		slog.Error("failed to acquire sweep lock, proceeding anyway", "sweep", sweep, "error", err)
		return true
	}
	if !ok {
		slog.Info("sweep already held by another replica", "sweep", sweep)
	}
	return ok
}

func (s *Scheduler) instrument(sweep string, fn func() error) {
	start := time.Now()
	err := fn()
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.SweepRuns.WithLabelValues(sweep, status).Inc()
	observability.SweepDuration.WithLabelValues(sweep).Observe(time.Since(start).Seconds())
}

func (s *Scheduler) reconcileSweep(ctx context.Context) {
	s.instrument("reconcile", func() error {
		if !s.acquireSweepLock(ctx, "reconcile", s.cfg.ReconcileInterval) {
			return nil
		}
		txs, err := s.txRepo.ListForReconciliation(ctx, s.cfg.ReconcileMaxAge, s.cfg.MaxRetries, s.cfg.BatchLimit)
		if err != nil {
			slog.Error("reconcile sweep: failed to list transactions", "error", err)
			return err
		}
		slog.Info("reconcile sweep started", "candidates", len(txs))
		s.forEach(ctx, "reconcile", txs, func(ctx context.Context, tx *models.Transaction) error {
			return s.reconcile(ctx, tx)
		})
		return nil
	})
}

// ReconcileTransaction re-fetches gateway truth for one transaction. It backs
// the reconcile re-queue consumer in addition to the periodic sweep.
func (s *Scheduler) ReconcileTransaction(ctx context.Context, transactionID string) error {
	if !s.claim(transactionID) {
		slog.Info("transaction already being reconciled", "transaction_id", transactionID)
		return nil
	}
	defer s.release(transactionID)

	tx, err := s.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	return s.reconcile(ctx, tx)
}

func (s *Scheduler) reconcile(ctx context.Context, tx *models.Transaction) error {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "ReconcileTransaction")
	span.SetAttributes(attribute.String("transaction_id", tx.ID))
	defer span.End()

	if s.gw == nil {
		return pkgerrors.ErrGatewayDisabled
	}
	if models.IsTerminal(tx.Status) && !tx.IsRetryable(s.cfg.MaxRetries) {
		return nil
	}
	if tx.GatewayPaymentID == "" {
		// Nothing to fetch until the gateway assigns a payment id; the expiry
		// sweep handles attempts that never progress.
		return nil
	}

	payment, err := s.gw.FetchPayment(ctx, tx.GatewayPaymentID)
	if err != nil {
		if stderrors.Is(err, gateway.ErrNotFound) {
			return s.markNotFoundUpstream(ctx, tx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	target, failure := service.MapGatewayPaymentStatus(payment)
	if target == "" {
		slog.Warn("reconcile: unmapped gateway status", "transaction_id", tx.ID, "gateway_status", payment.Status)
		return nil
	}

	// Reopen a retryable technical failure before advancing it.
	if tx.Status == models.StatusFailed && models.Rank(target) >= 0 {
		reopened, err := service.ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
			To:          models.StatusProcessing,
			Reason:      "reconciliation reopened technical failure",
			TriggeredBy: models.TriggerReconciliation,
		})
		if err != nil {
			return err
		}
		tx = reopened
	}

	if cur, tgt := models.Rank(tx.Status), models.Rank(target); cur >= 0 && tgt >= 0 && cur >= tgt {
		return nil
	}

	// A refund reported for a transaction still in flight implies the capture
	// already happened upstream; step through captured so the history stays a
	// legal sequence instead of leaving the record stuck.
	if target == models.StatusRefunded && models.Rank(tx.Status) < models.Rank(models.StatusCaptured) {
		stepped, err := service.ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
			To:          models.StatusCaptured,
			Reason:      fmt.Sprintf("reconciliation: gateway reports %s, capture implied", payment.Status),
			TriggeredBy: models.TriggerReconciliation,
		})
		if stderrors.Is(err, pkgerrors.ErrConflictingTransition) || stderrors.Is(err, pkgerrors.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return err
		}
		tx = stepped
	}

	_, err = service.ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          target,
		Reason:      fmt.Sprintf("reconciliation: gateway reports %s", payment.Status),
		TriggeredBy: models.TriggerReconciliation,
		Failure:     failure,
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) || stderrors.Is(err, pkgerrors.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("transaction reconciled",
		"transaction_id", tx.ID,
		"from", tx.Status,
		"to", target,
		"gateway_status", payment.Status)
	return nil
}

// markNotFoundUpstream records a definitive failure: the gateway does not
// know the payment, so no amount of retrying will change the answer.
func (s *Scheduler) markNotFoundUpstream(ctx context.Context, tx *models.Transaction) error {
	_, err := service.ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
		To:          models.StatusFailed,
		Reason:      "payment not found upstream",
		TriggeredBy: models.TriggerReconciliation,
		Failure: &models.FailureDetail{
			Code:     "PAYMENT_NOT_FOUND",
			Message:  "gateway returned 404 for payment",
			Category: models.FailureBusiness,
		},
	})
	if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
		return nil
	}
	return err
}

func (s *Scheduler) retrySweep(ctx context.Context) {
	s.instrument("retry", func() error {
		if !s.acquireSweepLock(ctx, "retry", s.cfg.RetryInterval) {
			return nil
		}
		txs, err := s.txRepo.ListRetryable(ctx, retryBackoff[0], s.cfg.MaxRetries, s.cfg.BatchLimit)
		if err != nil {
			slog.Error("retry sweep: failed to list transactions", "error", err)
			return err
		}
		now := time.Now()
		s.forEach(ctx, "retry", txs, func(ctx context.Context, tx *models.Transaction) error {
			// The per-attempt backoff grows with the retry count; records
			// still inside their backoff window wait for a later sweep.
			if now.Sub(tx.UpdatedAt) < backoffFor(tx.RetryCount) {
				return nil
			}
			count, err := s.txRepo.MarkRetry(ctx, tx.ID)
			if err != nil {
				return err
			}
			event, err := json.Marshal(map[string]any{
				"transaction_id": tx.ID,
				"retry_count":    count,
			})
			if err != nil {
				return err
			}
			if err := s.producer.Send(ctx, kafka.ReconcileTopic, tx.ID, event); err != nil {
				return fmt.Errorf("failed to re-queue transaction: %w", err)
			}
			slog.Info("transaction re-queued for reconciliation", "transaction_id", tx.ID, "retry_count", count)
			return nil
		})
		return nil
	})
}

func (s *Scheduler) expirySweep(ctx context.Context) {
	s.instrument("expiry", func() error {
		if !s.acquireSweepLock(ctx, "expiry", s.cfg.ExpiryInterval) {
			return nil
		}
		cutoff := time.Now().Add(-s.cfg.StaleAfter)
		txs, err := s.txRepo.ListStale(ctx, cutoff, s.cfg.BatchLimit)
		if err != nil {
			slog.Error("expiry sweep: failed to list transactions", "error", err)
			return err
		}
		slog.Info("expiry sweep started", "candidates", len(txs), "cutoff", cutoff)
		s.forEach(ctx, "expiry", txs, func(ctx context.Context, tx *models.Transaction) error {
			updated, err := service.ApplyTransition(ctx, s.txRepo, tx, models.StatusChange{
				To:          models.StatusExpired,
				Reason:      fmt.Sprintf("stale for more than %s", s.cfg.StaleAfter),
				TriggeredBy: models.TriggerExpiry,
			})
			if stderrors.Is(err, pkgerrors.ErrConflictingTransition) {
				return nil
			}
			if err != nil {
				return err
			}

			if tx.OrderID != "" {
				order, err := s.orderRepo.GetByID(ctx, tx.OrderID)
				if err == nil && order.Status == models.OrderPending {
					if err := s.orderRepo.UpdateStatus(ctx, order.ID, models.OrderCancelled); err != nil {
						slog.Error("failed to cancel stale order", "order_id", order.ID, "error", err)
					}
				}
			}
			if s.notifier != nil && updated.Status == models.StatusExpired {
				s.notifier.Notify(tx.UserID, "payment.expired", map[string]any{
					"transaction_id": tx.ID,
				})
			}
			slog.Info("transaction expired", "transaction_id", tx.ID)
			return nil
		})
		return nil
	})
}

func (s *Scheduler) analyticsSweep(ctx context.Context) {
	s.instrument("analytics", func() error {
		if !s.acquireSweepLock(ctx, "analytics", s.cfg.AnalyticsInterval) {
			return nil
		}
		day := time.Now().UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
		aggs, err := s.txRepo.AggregateByStatus(ctx, day, day.Add(24*time.Hour))
		if err != nil {
			slog.Error("analytics sweep failed", "error", err)
			return err
		}

		if s.redisClient != nil {
			if data, err := json.Marshal(aggs); err == nil {
				cacheKey := "analytics:payments:" + day.Format("2006-01-02")
				if err := s.redisClient.Set(ctx, cacheKey, string(data), 48*time.Hour); err != nil {
					slog.Error("failed to cache analytics rollup", "key", cacheKey, "error", err)
				}
			}
		}

		var total, amount int64
		for _, agg := range aggs {
			total += agg.Count
			amount += agg.TotalAmount
		}
		slog.Info("analytics rollup complete",
			"day", day.Format("2006-01-02"),
			"transactions", total,
			"total_amount", amount,
			"statuses", len(aggs))
		return nil
	})
}
