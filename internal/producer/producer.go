package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aigc-queue/internal/controller"
	"aigc-queue/internal/models"
	"aigc-queue/internal/telemetry"
	"aigc-queue/internal/worklog"
)

// Params is a generation submission. Validation rejects malformed input
// before anything is written; unset optional fields are forwarded to the
// provider as absent.
type Params struct {
	Prompt           string `json:"prompt" validate:"required,max=2048"`
	FileID           string `json:"file_id,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
	ModelVersion     string `json:"model_version,omitempty"`
	Duration         int    `json:"duration,omitempty" validate:"omitempty,gte=1,lte=60"`
	Resolution       string `json:"resolution,omitempty" validate:"omitempty,oneof=480P 720P 768P 1080P"`
	AspectRatio      string `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1 4:3"`
	AudioGeneration  string `json:"audio_generation,omitempty" validate:"omitempty,oneof=Enabled Disabled"`
	EnhanceSwitch    string `json:"enhance_switch,omitempty" validate:"omitempty,oneof=Enabled Disabled"`
	EnhancePrompt    string `json:"enhance_prompt,omitempty" validate:"omitempty,oneof=Enabled Disabled"`
	FrameInterpolate string `json:"frame_interpolate,omitempty" validate:"omitempty,oneof=Enabled Disabled"`
	TasksPriority    int    `json:"tasks_priority,omitempty" validate:"omitempty,gte=0,lte=100"`
	SceneType        string `json:"scene_type,omitempty"`
}

// TaskStore is the record storage the producer writes to.
type TaskStore interface {
	CreateTask(ctx context.Context, id string, params map[string]any, enqueuedAt time.Time) error
	GetTask(ctx context.Context, id string) (models.Task, error)
	MarkFailed(ctx context.Context, id string, detail string, finishedAt time.Time) error
}

// Producer accepts new jobs, writes the initial record, and appends the
// work-log entry. It is the only writer of queued records.
type Producer struct {
	store    TaskStore
	log      *worklog.Log
	ctrl     *controller.Controller
	validate *validator.Validate
	logger   zerolog.Logger
}

// New constructs the producer core.
func New(store TaskStore, log *worklog.Log, ctrl *controller.Controller, logger zerolog.Logger) *Producer {
	return &Producer{
		store:    store,
		log:      log,
		ctrl:     ctrl,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit validates params, creates the task record, appends a work-log entry,
// and returns the id with an advisory queue position.
func (p *Producer) Submit(ctx context.Context, params Params) (models.Receipt, error) {
	if err := p.validate.Struct(params); err != nil {
		return models.Receipt{}, &models.ValidationError{Reason: "params failed validation", Err: err}
	}

	paramsMap, paramsJSON, err := encodeParams(params)
	if err != nil {
		return models.Receipt{}, &models.ValidationError{Reason: "params not serializable", Err: err}
	}

	id := newTaskID()
	if err := p.store.CreateTask(ctx, id, paramsMap, time.Now().UTC()); err != nil {
		return models.Receipt{}, fmt.Errorf("create task record: %w", err)
	}

	if err := p.log.Append(ctx, id, paramsJSON); err != nil {
		// The record exists but will never be delivered; fail it so the
		// caller is not left watching a permanently queued task.
		_ = p.store.MarkFailed(ctx, id, "enqueue failed: "+err.Error(), time.Now().UTC())
		return models.Receipt{}, fmt.Errorf("append work log entry: %w", err)
	}

	position, err := p.log.Position(ctx, id)
	if err != nil {
		position = -1
	}
	telemetry.TasksSubmitted.Inc()
	p.logger.Info().Str("task_id", id).Int64("position", position).Msg("task enqueued")

	return models.Receipt{ID: id, Position: position, Status: models.StatusQueued}, nil
}

// GetStatus returns the latest known record for id. Pure read, except that a
// still-queued task gets a fresh advisory position.
func (p *Producer) GetStatus(ctx context.Context, id string) (models.Task, error) {
	task, err := p.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status == models.StatusQueued {
		if position, err := p.log.Position(ctx, id); err == nil {
			task.Position = position
		}
	}
	return task, nil
}

// QueueInfo returns the aggregate observability snapshot. The three values
// are read independently and may be momentarily inconsistent.
func (p *Producer) QueueInfo(ctx context.Context) (models.QueueInfo, error) {
	length, err := p.log.Len(ctx)
	if err != nil {
		return models.QueueInfo{}, fmt.Errorf("read queue length: %w", err)
	}
	active, threshold, err := p.ctrl.Snapshot(ctx)
	if err != nil {
		return models.QueueInfo{}, fmt.Errorf("read concurrency state: %w", err)
	}
	telemetry.QueueDepthGauge.Set(float64(length))
	telemetry.ActiveGauge.Set(float64(active))
	telemetry.ThresholdGauge.Set(float64(threshold))
	return models.QueueInfo{QueueLength: length, ActiveCount: active, Threshold: threshold}, nil
}

func newTaskID() string {
	hexID := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "aigc-" + hexID[:12]
}

func encodeParams(params Params) (map[string]any, string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", err
	}
	return m, string(raw), nil
}
