// Package jobs defines background tasks for the identity service: transactional
// mail delivery and reset-code housekeeping.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/keyline-id/keyline/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeWelcomeEmail is the task type for the post-registration email.
	TaskTypeWelcomeEmail = "mail:welcome"
	// TaskTypeResetCodePurge is the task type for expired reset-code cleanup.
	TaskTypeResetCodePurge = "identity:purge_reset_codes"
)

// WelcomeEmailPayload describes the information required to greet a new account.
type WelcomeEmailPayload struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

// NewWelcomeEmailTask constructs an Asynq task.
func NewWelcomeEmailTask(payload WelcomeEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWelcomeEmail, data), nil
}

// HandleWelcomeEmailTask processes TaskTypeWelcomeEmail tasks.
func HandleWelcomeEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload WelcomeEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder until an SMTP relay is wired up.
	slog.Default().Info("welcome email", slog.String("to", payload.Email), slog.String("username", payload.Username))
	return nil
}

// NewResetCodePurgeTask constructs the housekeeping task.
func NewResetCodePurgeTask() *asynq.Task {
	return asynq.NewTask(TaskTypeResetCodePurge, nil)
}

// ResetCodePurger removes consumed and expired reset codes.
type ResetCodePurger interface {
	PurgeResetCodes(ctx context.Context, before time.Time) (int64, error)
}

// NewResetCodePurgeHandler builds the handler for TaskTypeResetCodePurge.
func NewResetCodePurgeHandler(purger ResetCodePurger, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTypeResetCodePurge)
		purged, err := purger.PurgeResetCodes(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("purge reset codes", slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.AddPurgedResetCodes(purged)
		if purged > 0 {
			logger.Info("purged reset codes", slog.Int64("count", purged))
		}
		return tracker.End(nil)
	}
}
