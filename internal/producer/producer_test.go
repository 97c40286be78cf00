package producer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aigc-queue/internal/config"
	"aigc-queue/internal/controller"
	"aigc-queue/internal/models"
	"aigc-queue/internal/worklog"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]models.Task)}
}

func (s *fakeStore) CreateTask(_ context.Context, id string, params map[string]any, enqueuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = models.Task{ID: id, Params: params, Status: models.StatusQueued, EnqueuedAt: enqueuedAt}
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, models.ErrTaskNotFound
	}
	return task, nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, detail string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || models.TerminalStatus(task.Status) {
		return nil
	}
	task.Status = models.StatusFailed
	task.Error = &detail
	task.FinishedAt = &finishedAt
	s.tasks[id] = task
	return nil
}

func newTestProducer(t *testing.T) (*Producer, *fakeStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		StreamKey:        "aigc:queue",
		ConsumerGroup:    "aigc-workers",
		ConsumerName:     "api",
		BlockTime:        10 * time.Millisecond,
		DefaultThreshold: 12,
		MinThreshold:     2,
		MaxThreshold:     12,
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := worklog.NewWithClient(client, cfg)
	if err := log.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	ctrl := controller.New(client, cfg)
	if err := ctrl.Init(context.Background()); err != nil {
		t.Fatalf("init controller: %v", err)
	}
	store := newFakeStore()
	return New(store, log, ctrl, zerolog.Nop()), store
}

func TestSubmitEnqueuesAndReportsPosition(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProducer(t)

	first, err := p.Submit(ctx, Params{Prompt: "a boy running"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(first.ID, "aigc-") || len(first.ID) != len("aigc-")+12 {
		t.Fatalf("task id shape: %q", first.ID)
	}
	if first.Status != models.StatusQueued || first.Position != 1 {
		t.Fatalf("receipt: %+v", first)
	}

	second, err := p.Submit(ctx, Params{Prompt: "a cat sleeping"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if second.Position != 2 {
		t.Fatalf("second position: %d", second.Position)
	}
	if second.ID == first.ID {
		t.Fatalf("task id reused: %s", second.ID)
	}

	task, err := store.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if task.Status != models.StatusQueued || task.Params["prompt"] != "a boy running" {
		t.Fatalf("record: %+v", task)
	}
}

func TestSubmitRejectsMalformedParams(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProducer(t)

	cases := []Params{
		{},                               // missing prompt
		{Prompt: "ok", Duration: 600},    // duration out of range
		{Prompt: "ok", Resolution: "8K"}, // unknown resolution
		{Prompt: "ok", AudioGeneration: "Sideways"}, // not a switch value
	}
	for i, params := range cases {
		_, err := p.Submit(ctx, params)
		if !models.IsValidationError(err) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	// Nothing was enqueued.
	info, err := p.QueueInfo(ctx)
	if err != nil {
		t.Fatalf("queue info: %v", err)
	}
	if info.QueueLength != 0 {
		t.Fatalf("rejected submissions were enqueued: %+v", info)
	}
}

func TestGetStatusUnknownID(t *testing.T) {
	p, _ := newTestProducer(t)
	_, err := p.GetStatus(context.Background(), "unknown-id")
	if !errors.Is(err, models.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestGetStatusRefreshesPositionWhileQueued(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProducer(t)

	first, err := p.Submit(ctx, Params{Prompt: "one"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.Submit(ctx, Params{Prompt: "two"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := p.GetStatus(ctx, first.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if task.Position != 1 {
		t.Fatalf("queued position: %d", task.Position)
	}
}

func TestQueueInfoSnapshot(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProducer(t)

	if _, err := p.Submit(ctx, Params{Prompt: "one"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	info, err := p.QueueInfo(ctx)
	if err != nil {
		t.Fatalf("queue info: %v", err)
	}
	if info.QueueLength != 1 || info.ActiveCount != 0 || info.Threshold != 12 {
		t.Fatalf("snapshot: %+v", info)
	}
}
