package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// Config holds DLQ settings.
type Config struct {
	MaxAttempts  int
	DefaultLimit int
	MaxLimit     int
}

// DefaultConfig returns default DLQ settings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, DefaultLimit: 50, MaxLimit: 500}
}

// ReprocessResult is the outcome of replaying one item.
type ReprocessResult struct {
	ID       string `json:"id"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// BatchResult is the outcome of a batch replay.
type BatchResult struct {
	Processed int               `json:"processed"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []ReprocessResult `json:"results"`
}

// Service captures and replays failed deliveries.
type Service struct {
	config Config
	repo   Repository
	sender Sender
	now    func() time.Time
}

// NewService creates a DLQ service.
func NewService(config Config, repo Repository, sender Sender) *Service {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = def.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = def.MaxLimit
	}
	return &Service{config: config, repo: repo, sender: sender, now: time.Now}
}

// Capture stores one item per failed recipient of sendErr.
// When sendErr carries per-recipient results only the failed ones are stored.
func (s *Service) Capture(ctx context.Context, channel domain.ChannelType, alarm domain.Alarm, recipients []string, sendErr error) ([]Item, error) {
	type failed struct {
		recipient string
		err       error
	}

	var targets []failed
	var df *notifications.DeliveryFailure
	if errors.As(sendErr, &df) && len(df.Results) > 0 {
		for _, r := range df.Results {
			if r.Success {
				continue
			}
			err := r.Err()
			if err == nil {
				err = df.Err
			}
			// Invalid recipients fail the same way on every replay.
			var valErr *notifications.ValidationError
			if errors.As(err, &valErr) {
				continue
			}
			targets = append(targets, failed{recipient: r.Recipient, err: err})
		}
	} else {
		for _, r := range recipients {
			targets = append(targets, failed{recipient: r, err: sendErr})
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	now := s.now().UTC()
	items := make([]Item, 0, len(targets))
	for _, t := range targets {
		items = append(items, Item{
			ID:           uuid.NewString(),
			Channel:      channel,
			Alarm:        alarm,
			Recipient:    t.recipient,
			ErrorType:    Classify(t.err),
			ErrorMessage: errorMessage(t.err),
			Attempts:     1,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := s.repo.Insert(ctx, items); err != nil {
		return nil, fmt.Errorf("insert dlq items: %w", err)
	}

	logger := ctxlog.FromContext(ctx)
	for _, it := range items {
		recordCaptured(it.Channel, it.ErrorType)
		logger.Error("delivery moved to dlq",
			"dlq_id", it.ID,
			"alarm_id", alarm.ID,
			"imei", alarm.IMEI,
			"channel", channel,
			"recipient", it.Recipient,
			"error_type", it.ErrorType,
			"error", it.ErrorMessage,
		)
	}
	return items, nil
}

// Stats returns queue statistics.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dlq stats: %w", err)
	}
	recordSize(stats.Total)
	return stats, nil
}

// List returns up to limit items, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Item, error) {
	items, err := s.repo.List(ctx, s.clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}
	return items, nil
}

// Reprocess replays one item. Success deletes it, failure increments its attempts.
func (s *Service) Reprocess(ctx context.Context, id string) (ReprocessResult, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return ReprocessResult{}, err
	}
	return s.reprocess(ctx, item)
}

// ReprocessBatch replays up to limit of the oldest items below the attempt cap.
// A failing item does not stop the batch.
func (s *Service) ReprocessBatch(ctx context.Context, limit int) (BatchResult, error) {
	items, err := s.repo.ListOldest(ctx, s.clamp(limit), s.config.MaxAttempts)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list dlq items: %w", err)
	}

	res := BatchResult{Results: make([]ReprocessResult, 0, len(items))}
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		r, err := s.reprocess(ctx, &items[i])
		if err != nil {
			r = ReprocessResult{ID: items[i].ID, Attempts: items[i].Attempts, Error: err.Error()}
		}
		res.Processed++
		if r.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
		res.Results = append(res.Results, r)
	}

	ctxlog.FromContext(ctx).Info("dlq batch reprocessed",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

func (s *Service) reprocess(ctx context.Context, item *Item) (ReprocessResult, error) {
	if item.Attempts >= s.config.MaxAttempts {
		return ReprocessResult{ID: item.ID, Attempts: item.Attempts}, ErrMaxAttemptsReached
	}

	logger := ctxlog.FromContext(ctx).With(
		"dlq_id", item.ID,
		"alarm_id", item.Alarm.ID,
		"imei", item.Alarm.IMEI,
		"channel", item.Channel,
		"recipient", item.Recipient,
	)

	_, sendErr := s.sender.Send(ctx, item.Channel, item.Alarm, []string{item.Recipient})
	if sendErr == nil {
		if err := s.repo.Delete(ctx, item.ID); err != nil {
			return ReprocessResult{}, fmt.Errorf("delete dlq item: %w", err)
		}
		recordReprocess(true)
		logger.Info("dlq item delivered", "attempts", item.Attempts+1)
		return ReprocessResult{ID: item.ID, Success: true, Attempts: item.Attempts + 1}, nil
	}

	updated, err := s.repo.RecordAttempt(ctx, item.ID, Classify(sendErr), errorMessage(sendErr))
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("record dlq attempt: %w", err)
	}
	recordReprocess(false)
	logger.Error("dlq reprocessing failed", "attempts", updated.Attempts, "error", sendErr)

	return ReprocessResult{ID: item.ID, Attempts: updated.Attempts, Error: errorMessage(sendErr)}, nil
}

func (s *Service) clamp(limit int) int {
	if limit <= 0 {
		return s.config.DefaultLimit
	}
	return min(limit, s.config.MaxLimit)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
