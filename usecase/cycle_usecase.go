package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

// StopPublishFile disables the publish stage while it exists in the state directory.
const StopPublishFile = "STOP_PUBLISH"

const (
	reasonKillSwitch  = "kill_switch"
	reasonDailyLimit  = "daily_limit"
	reasonMinInterval = "min_post_interval"
)

// CycleOptions controls one RunCycle call.
type CycleOptions struct {
	Now *time.Time
}

// ICycleUseCase runs one publish and metrics cycle
type ICycleUseCase interface {
	RunCycle(ctx context.Context, opts CycleOptions) (*model.RunRecord, error)
}

type CycleUseCase struct {
	store    repository.ICollectionStore
	locker   repository.ILocker
	queue    IQueueUseCase
	metrics  IMetricsUseCase
	mode     string
	stateDir string
	cfg      configuration.Queue
	now      func() time.Time
}

func NewCycleUseCase(store repository.ICollectionStore, locker repository.ILocker, queue IQueueUseCase, metrics IMetricsUseCase, mode, stateDir string, cfg configuration.Queue) *CycleUseCase {
	return &CycleUseCase{
		store:    store,
		locker:   locker,
		queue:    queue,
		metrics:  metrics,
		mode:     mode,
		stateDir: stateDir,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source (fluent).
func (u *CycleUseCase) WithClock(now func() time.Time) *CycleUseCase {
	u.now = now
	return u
}

// RunCycle holds the state lock while it runs the publish stage and then the
// metrics stage. A failing stage does not stop the other one; the run status
// is ok, partial or error accordingly. The run is appended to the runs collection.
func (u *CycleUseCase) RunCycle(ctx context.Context, opts CycleOptions) (*model.RunRecord, error) {
	release, err := u.locker.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.GetLogger().WithField("error", err).Error("Error while releasing cycle lock")
		}
	}()

	started := u.now().UTC()
	run := &model.RunRecord{
		ID:        uuid.NewString(),
		Mode:      u.mode,
		StartedAt: model.FormatTime(started),
	}

	run.Publish = u.publishStage(ctx, opts.Now)
	run.Metrics = u.metricsStage(ctx, opts.Now)
	run.Status = runStatus(run.Publish, run.Metrics)
	run.FinishedAt = model.FormatTime(u.now())

	if err := u.store.Append(ctx, model.CollectionRuns, run); err != nil {
		return run, fmt.Errorf("append run: %w", err)
	}
	logger.GetLogger().
		WithField("run_id", run.ID).
		WithField("status", run.Status).
		WithField("publish", run.Publish.Status).
		WithField("metrics", run.Metrics.Status).
		Info("Cycle finished")
	return run, nil
}

func runStatus(stages ...model.StageResult) model.RunStatus {
	failed := 0
	for _, s := range stages {
		if s.Status == model.StageStatusError {
			failed++
		}
	}
	switch {
	case failed == 0:
		return model.RunStatusOK
	case failed == len(stages):
		return model.RunStatusError
	default:
		return model.RunStatusPartial
	}
}

func (u *CycleUseCase) publishStage(ctx context.Context, injected *time.Time) model.StageResult {
	if u.stopped() {
		logger.GetLogger().Warn("Publishing is stopped by the kill switch")
		return model.StageResult{Status: model.StageStatusStopped, Reason: reasonKillSwitch}
	}

	now := u.now().UTC()
	if injected != nil {
		now = injected.UTC()
	}
	limit, reason, err := u.publishAllowance(ctx, now)
	if err != nil {
		return model.StageResult{Status: model.StageStatusError, Error: err.Error()}
	}
	if limit == 0 {
		return model.StageResult{Status: model.StageStatusSkipped, Reason: reason}
	}

	summary, err := u.queue.PublishDue(ctx, PublishOptions{Now: injected, Limit: limit})
	res := model.StageResult{Status: model.StageStatusOK}
	if summary != nil {
		res.Counts = map[string]int{
			"published": summary.Published,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
		}
	}
	if err != nil {
		res.Status = model.StageStatusError
		res.Error = err.Error()
	}
	return res
}

// publishAllowance caps the batch size by the daily post budget and the minimum
// spacing between posts. A zero limit comes with the reason. With a minimum
// spacing configured at most one post goes out per cycle.
func (u *CycleUseCase) publishAllowance(ctx context.Context, now time.Time) (int, string, error) {
	limit := u.cfg.PublishLimit
	if limit <= 0 {
		limit = 1
	}
	if u.cfg.MaxPostsPerDay <= 0 && u.cfg.MinPostInterval <= 0 {
		return limit, "", nil
	}

	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return 0, "", fmt.Errorf("read posts: %w", err)
	}
	dayAgo := model.FormatTime(now.Add(-24 * time.Hour))
	recent := 0
	last := ""
	for _, p := range posts {
		if p.PostedAt > dayAgo {
			recent++
		}
		if p.PostedAt > last {
			last = p.PostedAt
		}
	}

	if u.cfg.MinPostInterval > 0 {
		if last != "" && last > model.FormatTime(now.Add(-u.cfg.MinPostInterval)) {
			return 0, reasonMinInterval, nil
		}
		// Posts in one batch would share a timestamp, so spacing allows one per cycle.
		limit = 1
	}
	if u.cfg.MaxPostsPerDay > 0 {
		remaining := u.cfg.MaxPostsPerDay - recent
		if remaining <= 0 {
			return 0, reasonDailyLimit, nil
		}
		limit = min(limit, remaining)
	}
	return limit, "", nil
}

func (u *CycleUseCase) stopped() bool {
	if u.cfg.StopPublish {
		return true
	}
	if u.stateDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(u.stateDir, StopPublishFile))
	return err == nil
}

func (u *CycleUseCase) metricsStage(ctx context.Context, injected *time.Time) model.StageResult {
	summary, err := u.metrics.SyncMetrics(ctx, MetricsOptions{Now: injected})
	res := model.StageResult{Status: model.StageStatusOK}
	if summary != nil {
		res.Counts = map[string]int{
			"fetched": summary.Fetched,
			"skipped": summary.Skipped,
			"failed":  summary.Failed,
		}
	}
	if err != nil {
		res.Status = model.StageStatusError
		res.Error = err.Error()
	}
	return res
}

