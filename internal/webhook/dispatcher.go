// Package webhook delivers finished run results to job delivery targets
// with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/event"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// Config holds delivery settings
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// Backoff implements exponential backoff between delivery attempts
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next returns the delay before the given retry attempt
func (b *Backoff) Next(attempt int) time.Duration {
	delay := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
	}
	if delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// Dispatcher subscribes to run completions and POSTs results to the owning
// job's delivery target. Delivery failure is a transport concern: it is
// recorded against the run but never alters the run's own status.
type Dispatcher struct {
	logger     *zap.Logger
	cfg        Config
	storage    *storage.Storage
	js         nats.JetStreamContext
	backoff    Backoff
	httpClient *http.Client
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(cfg Config, st *storage.Storage, js nats.JetStreamContext, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		logger:  logger.Named("webhook-dispatcher"),
		cfg:     cfg,
		storage: st,
		js:      js,
		backoff: Backoff{
			Initial:    cfg.InitialBackoff,
			Max:        cfg.MaxBackoff,
			Multiplier: 2,
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start subscribes to run completions
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.js.Subscribe(event.RunCompletedSubject, func(msg *nats.Msg) {
		var result model.RunResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			d.logger.Error("Failed to unmarshal run result", zap.Error(err))
			return
		}
		// Deliveries sleep through backoff; a slow target must not stall
		// every other run's delivery behind this subscription callback.
		go d.handle(ctx, &result)
	}, nats.Durable("webhook-dispatcher")); err != nil {
		return fmt.Errorf("failed to subscribe to run completions: %w", err)
	}

	d.logger.Info("Webhook dispatcher started", zap.Int("max_attempts", d.cfg.MaxAttempts))
	return nil
}

// handle resolves the delivery target from the run itself, not the job. The
// job may already have been deleted (one-shot delete_after_run jobs are),
// but the run carries the target it was started with.
func (d *Dispatcher) handle(ctx context.Context, result *model.RunResult) {
	run, err := d.storage.GetRun(ctx, result.RunID)
	if err != nil {
		d.logger.Error("Failed to load run for delivery",
			zap.String("run_id", result.RunID),
			zap.Error(err))
		return
	}
	if run == nil || run.Delivery != model.DeliveryStatePending || run.DeliveryTo == "" {
		return
	}

	d.Deliver(ctx, run.DeliveryTo, result)
}

// Deliver POSTs the result, retrying with bounded backoff, and records the
// outcome against the run.
func (d *Dispatcher) Deliver(ctx context.Context, target string, result *model.RunResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("Failed to marshal delivery payload", zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.backoff.Next(attempt - 1)):
			}
		}

		lastErr = d.post(ctx, target, payload)
		if lastErr == nil {
			if err := d.storage.UpdateRunDelivery(ctx, result.RunID, model.DeliveryStateDelivered, ""); err != nil {
				d.logger.Error("Failed to record delivery", zap.Error(err))
			}
			d.logger.Info("Delivered run result",
				zap.String("run_id", result.RunID),
				zap.Int("attempt", attempt+1))
			return
		}

		d.logger.Warn("Delivery attempt failed",
			zap.String("run_id", result.RunID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	if err := d.storage.UpdateRunDelivery(ctx, result.RunID, model.DeliveryStateFailed, lastErr.Error()); err != nil {
		d.logger.Error("Failed to record delivery failure", zap.Error(err))
	}
	d.logger.Error("Delivery failed after all attempts",
		zap.String("run_id", result.RunID),
		zap.String("target", target),
		zap.Int("attempts", d.cfg.MaxAttempts))
}

func (d *Dispatcher) post(ctx context.Context, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery target returned status %d", resp.StatusCode)
	}
	return nil
}
