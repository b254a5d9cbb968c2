package provider

import (
	"context"
	"log/slog"
	"time"

	"SceneForge-server/apperr"
)

// StatusGetter is the part of Client polling needs.
type StatusGetter interface {
	GetStatus(ctx context.Context, taskID string) (*Status, error)
}

// Poll fetches the task status every interval until it is terminal or the
// overall timeout passes. Fetch errors are logged and polling continues.
// A failed task is returned as a provider error whose message is the
// provider's own error text.
func Poll(ctx context.Context, getter StatusGetter, taskID string, interval, timeout time.Duration, logger *slog.Logger) (*Status, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := getter.GetStatus(ctx, taskID)
		switch {
		case err != nil:
			logger.Warn("status fetch failed, retrying", "task_id", taskID, "error", err)
		case st.State == StateSucceeded:
			return st, nil
		case st.State == StateFailed:
			if st.Error == "" {
				return st, apperr.Provider("task %s ended with status %s", taskID, st.RawStatus)
			}
			return st, apperr.Provider("%s", st.Error)
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindProvider, ctx.Err(), "polling task %s canceled", taskID)
		case <-deadline.C:
			return nil, apperr.Provider("polling timeout for task %s after %s", taskID, timeout)
		case <-ticker.C:
		}
	}
}
