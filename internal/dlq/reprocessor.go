package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/notifications"
)

// ReprocessorConfig contains auto-reprocessing configuration.
type ReprocessorConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Reprocessor replays a batch on every tick while dlq_auto_reprocess_enabled is on.
type Reprocessor struct {
	config  ReprocessorConfig
	service *Service
	flags   notifications.FeatureFlags

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReprocessor creates an auto-reprocessor.
func NewReprocessor(config ReprocessorConfig, service *Service, flags notifications.FeatureFlags) *Reprocessor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	return &Reprocessor{
		config:  config,
		service: service,
		flags:   flags,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the reprocessing loop.
func (r *Reprocessor) Start(ctx context.Context) {
	slog.Info("starting dlq reprocessor",
		"interval", r.config.Interval,
		"batch_size", r.config.BatchSize,
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the loop and waits for a running batch to finish.
func (r *Reprocessor) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("dlq reprocessor stopped")
}

// Tick runs one batch when the flag is on. It reports whether a batch ran.
func (r *Reprocessor) Tick(ctx context.Context) bool {
	if r.flags == nil || !r.flags.IsEnabled(ctx, notifications.FlagDLQAutoReprocess) {
		return false
	}

	res, err := r.service.ReprocessBatch(ctx, r.config.BatchSize)
	if err != nil {
		slog.Error("dlq auto reprocessing failed", "error", err)
		return true
	}
	if res.Processed > 0 {
		slog.Info("dlq auto reprocessing finished",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
	}
	return true
}

func (r *Reprocessor) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}
