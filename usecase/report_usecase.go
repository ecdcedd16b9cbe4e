package usecase

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

const topPostsCount = 10

// PostPerformance is the best known metrics of one published post.
// Impressions is nil when no snapshot carried private metrics.
type PostPerformance struct {
	TweetID     string `json:"tweet_id"`
	PostedAt    string `json:"posted_at"`
	Content     string `json:"content"`
	Impressions *int64 `json:"impressions"`
	Replies     int64  `json:"replies"`
	Likes       int64  `json:"likes"`
	Reposts     int64  `json:"reposts"`
	Quotes      int64  `json:"quotes"`
}

type PerformanceReport struct {
	UpdatedAt        string            `json:"updated_at"`
	Posts            int               `json:"posts"`
	TopByImpressions []PostPerformance `json:"top_by_impressions"`
	TopByReplies     []PostPerformance `json:"top_by_replies"`
}

type PerformanceOptions struct {
	Limit int
}

type EligibilityOptions struct {
	Now *time.Time
}

// IReportUseCase defines the read-side summaries built from stored metrics
type IReportUseCase interface {
	Performance(ctx context.Context, opts PerformanceOptions) (*PerformanceReport, error)
	Eligibility(ctx context.Context, opts EligibilityOptions) (*model.EligibilityRecord, error)
	SetVerifiedFollowers(ctx context.Context, n int64) error
}

type ReportUseCase struct {
	store repository.ICollectionStore
	cfg   configuration.Report
	now   func() time.Time
}

func NewReportUseCase(store repository.ICollectionStore, cfg configuration.Report) *ReportUseCase {
	return &ReportUseCase{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source (fluent).
func (u *ReportUseCase) WithClock(now func() time.Time) *ReportUseCase {
	u.now = now
	return u
}

// bestSnapshots keeps, per tweet, the snapshot with the most impressions.
// Among snapshots without impressions the latest fetch wins.
func bestSnapshots(snaps []model.MetricsSnapshot) map[string]model.MetricsSnapshot {
	best := make(map[string]model.MetricsSnapshot)
	for _, s := range snaps {
		if s.TweetID == "" {
			continue
		}
		prev, seen := best[s.TweetID]
		if !seen {
			best[s.TweetID] = s
			continue
		}
		imp, ok := s.Impressions()
		prevImp, prevOK := prev.Impressions()
		switch {
		case ok && (!prevOK || imp > prevImp):
			best[s.TweetID] = s
		case !ok && !prevOK && s.FetchedAt > prev.FetchedAt:
			best[s.TweetID] = s
		}
	}
	return best
}

// Performance ranks the most recent posts by impressions and by replies.
func (u *ReportUseCase) Performance(ctx context.Context, opts PerformanceOptions) (*PerformanceReport, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = u.cfg.PerformanceLimit
	}
	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}
	snaps, err := repository.ReadAll[model.MetricsSnapshot](ctx, u.store, model.CollectionMetrics)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	best := bestSnapshots(snaps)

	if limit > 0 && len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	rows := make([]PostPerformance, 0, len(posts))
	for i := len(posts) - 1; i >= 0; i-- {
		p := posts[i]
		if p.TweetID == "" {
			continue
		}
		row := PostPerformance{TweetID: p.TweetID, PostedAt: p.PostedAt, Content: p.Content}
		if s, ok := best[p.TweetID]; ok {
			if n, ok := s.Impressions(); ok {
				row.Impressions = &n
			}
			row.Replies = s.PublicMetrics.ReplyCount
			row.Likes = s.PublicMetrics.LikeCount
			row.Reposts = s.PublicMetrics.RetweetCount
			row.Quotes = s.PublicMetrics.QuoteCount
		}
		rows = append(rows, row)
	}

	byImpressions := slices.Clone(rows)
	sort.SliceStable(byImpressions, func(i, j int) bool {
		a, b := byImpressions[i].Impressions, byImpressions[j].Impressions
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
	byReplies := slices.Clone(rows)
	sort.SliceStable(byReplies, func(i, j int) bool {
		return byReplies[i].Replies > byReplies[j].Replies
	})

	return &PerformanceReport{
		UpdatedAt:        model.FormatTime(u.now()),
		Posts:            len(rows),
		TopByImpressions: byImpressions[:min(topPostsCount, len(byImpressions))],
		TopByReplies:     byReplies[:min(topPostsCount, len(byReplies))],
	}, nil
}

func parseInstant(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Eligibility sums the best observed impressions of posts created inside the
// trailing window and appends the result to the eligibility collection.
// Creation time comes from snapshots and falls back to the post record.
func (u *ReportUseCase) Eligibility(ctx context.Context, opts EligibilityOptions) (*model.EligibilityRecord, error) {
	now := u.now().UTC()
	if opts.Now != nil {
		now = opts.Now.UTC()
	}
	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}
	snaps, err := repository.ReadAll[model.MetricsSnapshot](ctx, u.store, model.CollectionMetrics)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	manual, err := repository.ReadAll[model.ManualRecord](ctx, u.store, model.CollectionManual)
	if err != nil {
		return nil, fmt.Errorf("read manual: %w", err)
	}

	maxImpressions := make(map[string]int64)
	created := make(map[string]time.Time)
	for _, s := range snaps {
		if s.TweetID == "" {
			continue
		}
		if n, ok := s.Impressions(); ok {
			if prev, seen := maxImpressions[s.TweetID]; !seen || n > prev {
				maxImpressions[s.TweetID] = n
			}
		}
		if at, ok := parseInstant(s.CreatedAt); ok {
			if prev, seen := created[s.TweetID]; !seen || at.Before(prev) {
				created[s.TweetID] = at
			}
		}
	}
	for _, p := range posts {
		if _, seen := created[p.TweetID]; seen {
			continue
		}
		if at, ok := parseInstant(p.PostedAt); ok {
			created[p.TweetID] = at
		}
	}

	windowStart := now.AddDate(0, 0, -u.cfg.WindowDays)
	rec := &model.EligibilityRecord{
		ID:                            uuid.NewString(),
		ComputedAt:                    model.FormatTime(now),
		WindowDays:                    u.cfg.WindowDays,
		WindowStart:                   model.FormatTime(windowStart),
		TargetImpressions:             u.cfg.TargetImpressions,
		TweetsWithObservedImpressions: len(maxImpressions),
	}
	for id, n := range maxImpressions {
		at, ok := created[id]
		if !ok {
			rec.TweetsMissingCreatedAt++
			continue
		}
		if !at.Before(windowStart) {
			rec.TweetsInWindow++
			rec.ObservedImpressions += n
		}
	}
	if u.cfg.TargetImpressions > 0 {
		pct := float64(rec.ObservedImpressions) / float64(u.cfg.TargetImpressions) * 100
		rec.ProgressPct = math.Round(pct*100) / 100
	}
	if len(manual) > 0 {
		rec.VerifiedFollowers = manual[len(manual)-1].VerifiedFollowers
	}

	if err := u.store.Append(ctx, model.CollectionEligibility, rec); err != nil {
		return nil, fmt.Errorf("append eligibility: %w", err)
	}
	logger.GetLogger().
		WithField("observed", rec.ObservedImpressions).
		WithField("progress_pct", rec.ProgressPct).
		WithField("tweets_in_window", rec.TweetsInWindow).
		Info("Eligibility computed")
	return rec, nil
}

// SetVerifiedFollowers records the manually observed verified follower count.
func (u *ReportUseCase) SetVerifiedFollowers(ctx context.Context, n int64) error {
	if n < 0 {
		return &model.ValidationError{Field: "verified_followers", Message: "must not be negative"}
	}
	rec := model.ManualRecord{UpdatedAt: model.FormatTime(u.now()), VerifiedFollowers: &n}
	if err := u.store.Append(ctx, model.CollectionManual, rec); err != nil {
		return fmt.Errorf("append manual: %w", err)
	}
	return nil
}
