package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"aigc-queue/internal/config"
	"aigc-queue/internal/controller"
	"aigc-queue/internal/models"
	"aigc-queue/internal/provider"
	"aigc-queue/internal/telemetry"
	"aigc-queue/internal/worklog"
)

const reclaimBatch = 100

// TaskStore is the record storage the worker mutates.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	MarkCompleted(ctx context.Context, id string, result map[string]any, finishedAt time.Time) error
	MarkFailed(ctx context.Context, id string, detail string, finishedAt time.Time) error
}

// Worker drives the dispatch loop: poll the work log, wait for admission,
// call the provider, classify, finalize. Multiple Worker instances may run
// across processes as members of one consumer group; all coordination state
// lives in Redis, never in process memory.
type Worker struct {
	cfg    config.Config
	log    *worklog.Log
	ctrl   *controller.Controller
	store  TaskStore
	client provider.Client
	logger zerolog.Logger
}

// New constructs a worker.
func New(cfg config.Config, log *worklog.Log, ctrl *controller.Controller, store TaskStore, client provider.Client, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		log:    log,
		ctrl:   ctrl,
		store:  store,
		client: client,
		logger: logger,
	}
}

// Run executes the main loop until context cancellation. Every blocking wait
// is bounded, so shutdown is observed within one block/poll interval.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.log.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := w.ctrl.Init(ctx); err != nil {
		return err
	}
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("reclaim_idle", w.cfg.ReclaimIdle).
		Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.maintain(ctx)

		entry, err := w.log.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Error().Err(err).Msg("work log read failed")
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if entry == nil {
			continue
		}
		w.process(ctx, entry)
	}
}

// maintain runs the per-iteration housekeeping: threshold recovery, stale
// entry reclamation, and the queue depth gauge.
func (w *Worker) maintain(ctx context.Context) {
	threshold, raised, err := w.ctrl.TryRecover(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("threshold recovery check failed")
	} else {
		telemetry.ThresholdGauge.Set(float64(threshold))
		if raised {
			telemetry.ThresholdIncreases.Inc()
			w.logger.Info().Int64("threshold", threshold).Msg("threshold recovered")
		}
	}

	entries, err := w.log.Reclaim(ctx, w.cfg.ReclaimIdle, reclaimBatch)
	if err != nil {
		w.logger.Error().Err(err).Msg("reclaim failed")
	}
	for i := range entries {
		w.handleReclaimed(ctx, &entries[i])
	}

	if depth, err := w.log.Len(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// process takes one delivered entry through AdmissionWait, Dispatch, Classify
// and Finalize. The entry stays pending (unacknowledged) until the task
// record is terminal.
func (w *Worker) process(ctx context.Context, entry *worklog.Entry) {
	if !w.awaitAdmission(ctx) {
		// Shutdown while waiting. The entry is left pending and will be
		// redelivered or reclaimed.
		return
	}

	// A held slot must be settled: from here on, shutdown no longer
	// interrupts the dispatch or its bookkeeping.
	ctx = context.WithoutCancel(ctx)

	task, err := w.store.GetTask(ctx, entry.TaskID)
	if errors.Is(err, models.ErrTaskNotFound) {
		// No record behind the entry; nothing to dispatch. Give the slot
		// back and drop the entry.
		w.logger.Error().Str("task_id", entry.TaskID).Msg("task record missing")
		w.release(ctx)
		w.ack(ctx, entry)
		return
	}
	if err != nil {
		// Transient store failure. Give the slot back but leave the entry
		// pending; reclamation retries it once the store recovers.
		w.logger.Error().Err(err).Str("task_id", entry.TaskID).Msg("task record unreadable")
		w.release(ctx)
		return
	}
	if models.TerminalStatus(task.Status) {
		w.release(ctx)
		w.ack(ctx, entry)
		return
	}

	now := time.Now().UTC()
	if err := w.store.MarkProcessing(ctx, task.ID, now); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark processing failed")
		w.release(ctx)
		return
	}

	w.logger.Info().Str("task_id", task.ID).Msg("dispatching to provider")
	outcome := w.client.Generate(ctx, dispatchParams(entry, task))
	w.finalize(ctx, entry, task.ID, outcome)
}

// awaitAdmission holds the entry while active_count >= threshold, rechecking
// every poll interval. Returns false if the context was cancelled first.
func (w *Worker) awaitAdmission(ctx context.Context) bool {
	for {
		admitted, err := w.ctrl.TryAcquire(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("admission check failed")
		} else if admitted {
			return true
		}
		if !w.sleep(ctx, w.cfg.PollInterval) {
			return false
		}
	}
}

// finalize applies the classified outcome: record the terminal state, settle
// the concurrency accounting, and only then acknowledge the entry.
func (w *Worker) finalize(ctx context.Context, entry *worklog.Entry, taskID string, outcome provider.Outcome) {
	now := time.Now().UTC()
	switch outcome.Kind {
	case provider.KindSuccess:
		if err := w.store.MarkCompleted(ctx, taskID, outcome.Result, now); err != nil {
			w.logger.Error().Err(err).Str("task_id", taskID).Msg("mark completed failed")
		}
		w.release(ctx)
		telemetry.TasksCompleted.Inc()
		w.logger.Info().Str("task_id", taskID).Msg("task completed")

	case provider.KindRateLimited:
		threshold, err := w.ctrl.OnRateLimited(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("rate limit adjustment failed")
			w.release(ctx)
		} else {
			telemetry.RateLimitHits.Inc()
			telemetry.ThresholdDecreases.Inc()
			telemetry.ThresholdGauge.Set(float64(threshold))
			w.logger.Warn().
				Str("task_id", taskID).
				Int64("threshold", threshold).
				Str("code", outcome.ErrCode).
				Msg("provider rate limited, threshold decreased")
		}
		if err := w.store.MarkFailed(ctx, taskID, outcome.Detail(), now); err != nil {
			w.logger.Error().Err(err).Str("task_id", taskID).Msg("mark failed failed")
		}
		telemetry.TasksFailed.Inc()

	default:
		if err := w.store.MarkFailed(ctx, taskID, outcome.Detail(), now); err != nil {
			w.logger.Error().Err(err).Str("task_id", taskID).Msg("mark failed failed")
		}
		w.release(ctx)
		telemetry.TasksFailed.Inc()
		w.logger.Error().
			Str("task_id", taskID).
			Str("code", outcome.ErrCode).
			Str("detail", outcome.ErrMessage).
			Msg("task failed")
	}
	w.ack(ctx, entry)
}

// handleReclaimed settles an entry taken over from a consumer that stopped
// acknowledging. The task record decides what the entry still means.
func (w *Worker) handleReclaimed(ctx context.Context, entry *worklog.Entry) {
	task, err := w.store.GetTask(ctx, entry.TaskID)
	if errors.Is(err, models.ErrTaskNotFound) {
		w.ack(ctx, entry)
		return
	}
	if err != nil {
		// Leave pending; a later pass will reclaim it again.
		w.logger.Error().Err(err).Str("task_id", entry.TaskID).Msg("reclaimed record unreadable")
		return
	}

	switch {
	case task.Status == models.StatusProcessing:
		// The attempt died with its worker. Fail the task, return the slot
		// that worker was holding, and retire the entry.
		settle := context.WithoutCancel(ctx)
		w.logger.Warn().Str("task_id", task.ID).Msg("reclaimed task lost mid-processing")
		if err := w.store.MarkFailed(settle, task.ID, "processing attempt lost: worker stopped acknowledging", time.Now().UTC()); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark failed failed")
		}
		w.release(settle)
		telemetry.TasksFailed.Inc()
		w.ack(settle, entry)
	case models.TerminalStatus(task.Status):
		// Crash happened between finalize and ack; the record is settled.
		w.ack(context.WithoutCancel(ctx), entry)
	default:
		// Previous consumer died before dispatch; process as fresh.
		w.process(ctx, entry)
	}
}

// dispatchParams prefers the payload carried in the entry so a dispatch can
// resume even if the record's params are stale; the record is the fallback.
func dispatchParams(entry *worklog.Entry, task models.Task) map[string]any {
	if entry.Params != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(entry.Params), &params); err == nil {
			return params
		}
	}
	return task.Params
}

func (w *Worker) release(ctx context.Context) {
	if err := w.ctrl.Release(ctx); err != nil {
		w.logger.Error().Err(err).Msg("release slot failed")
	}
}

func (w *Worker) ack(ctx context.Context, entry *worklog.Entry) {
	if err := w.log.Ack(ctx, entry.ID); err != nil {
		w.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("ack failed")
	}
}

// sleep waits for d or context cancellation, reporting whether the wait
// completed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
