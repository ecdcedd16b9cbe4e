package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

// MetricsOptions controls one SyncMetrics pass.
type MetricsOptions struct {
	Now   *time.Time
	Limit int
}

// MetricsSummary aggregates a SyncMetrics pass.
type MetricsSummary struct {
	Fetched int `json:"fetched"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// IMetricsUseCase defines the metrics sync operation
type IMetricsUseCase interface {
	SyncMetrics(ctx context.Context, opts MetricsOptions) (*MetricsSummary, error)
}

type MetricsUseCase struct {
	store       repository.ICollectionStore
	platform    repository.IPlatform
	limit       int
	minInterval time.Duration
	now         func() time.Time
}

func NewMetricsUseCase(store repository.ICollectionStore, platform repository.IPlatform, cfg configuration.Queue) *MetricsUseCase {
	return &MetricsUseCase{
		store:       store,
		platform:    platform,
		limit:       cfg.MetricsLimit,
		minInterval: cfg.MetricsMinInterval,
		now:         time.Now,
	}
}

// WithClock overrides the time source (fluent).
func (u *MetricsUseCase) WithClock(now func() time.Time) *MetricsUseCase {
	u.now = now
	return u
}

// SyncMetrics fetches public metrics for the most recent posts and appends a
// snapshot per post. Posts fetched within the minimum interval are skipped.
// Per-post failures do not stop the pass; they are joined into the returned error.
func (u *MetricsUseCase) SyncMetrics(ctx context.Context, opts MetricsOptions) (*MetricsSummary, error) {
	now := u.now().UTC()
	if opts.Now != nil {
		now = opts.Now.UTC()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = u.limit
	}

	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}
	snapshots, err := repository.ReadAll[model.MetricsSnapshot](ctx, u.store, model.CollectionMetrics)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}

	lastFetched := make(map[string]string, len(snapshots))
	for _, s := range snapshots {
		if s.FetchedAt > lastFetched[s.TweetID] {
			lastFetched[s.TweetID] = s.FetchedAt
		}
	}

	ids := recentTweetIDs(posts, limit)
	cutoff := model.FormatTime(now.Add(-u.minInterval))
	summary := &MetricsSummary{}
	var errs []error

	for _, id := range ids {
		if last, ok := lastFetched[id]; ok && u.minInterval > 0 && last > cutoff {
			summary.Skipped++
			continue
		}
		m, err := u.platform.FetchMetrics(ctx, id)
		if err != nil {
			summary.Failed++
			errs = append(errs, err)
			logger.GetLogger().WithField("tweet_id", id).WithField("error", err.Error()).Warn("Metrics fetch failed")
			continue
		}
		snap := model.MetricsSnapshot{
			ID:               uuid.NewString(),
			TweetID:          id,
			FetchedAt:        model.FormatTime(now),
			CreatedAt:        m.CreatedAt,
			PublicMetrics:    m.PublicMetrics,
			NonPublicMetrics: m.NonPublicMetrics,
			OrganicMetrics:   m.OrganicMetrics,
		}
		if err := u.store.Append(ctx, model.CollectionMetrics, snap); err != nil {
			return summary, fmt.Errorf("append metrics: %w", err)
		}
		summary.Fetched++
	}

	logger.GetLogger().WithField("fetched", summary.Fetched).WithField("skipped", summary.Skipped).WithField("failed", summary.Failed).Info("Metrics sync finished")
	return summary, errors.Join(errs...)
}

// recentTweetIDs returns the distinct tweet ids of the last limit posts, oldest first.
func recentTweetIDs(posts []model.PostRecord, limit int) []string {
	if limit > 0 && len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	seen := make(map[string]struct{}, len(posts))
	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		if p.TweetID == "" {
			continue
		}
		if _, ok := seen[p.TweetID]; ok {
			continue
		}
		seen[p.TweetID] = struct{}{}
		ids = append(ids, p.TweetID)
	}
	return ids
}
