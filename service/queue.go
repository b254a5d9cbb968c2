package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"SceneForge-server/config"
)

const (
	TypeRunJob = "job:run"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

// AsynqQueue enqueues created jobs on redis for the worker process.
type AsynqQueue struct {
	client  *asynq.Client
	timeout time.Duration
	logger  *slog.Logger
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

func NewAsynqQueue(cfg *config.Config, logger *slog.Logger) *AsynqQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqQueue{
		client: asynq.NewClient(redisOpt(cfg)),
		// polling may run the whole poll timeout, plus time to submit
		timeout: cfg.Generation.PollTimeout() + 5*time.Minute,
		logger:  logger,
	}
}

// Enqueue never schedules retries: a failed job is retried by starting a
// new one.
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	task := asynq.NewTask(TypeRunJob, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
		asynq.Retention(24*time.Hour),
	)
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.logger.Info("job enqueued", "job_id", jobID, "queue_task", info.ID)
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// Worker consumes queued jobs and runs them to completion.
type Worker struct {
	orch   *Orchestrator
	srv    *asynq.Server
	logger *slog.Logger
}

func NewWorker(cfg *config.Config, orch *Orchestrator, concurrency int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})
	return &Worker{orch: orch, srv: srv, logger: logger}
}

// Run blocks until the server stops.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunJob, w.HandleRunJob)
	w.logger.Info("starting job worker")
	return w.srv.Run(mux)
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

// HandleRunJob runs one job. Generation failures are already recorded on
// the job, so they are not reported back to asynq.
func (w *Worker) HandleRunJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.orch.RunJob(ctx, payload.JobID); err != nil {
		w.logger.Warn("job failed", "job_id", payload.JobID, "error", err)
	}
	return nil
}
