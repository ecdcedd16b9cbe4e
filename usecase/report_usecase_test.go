package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/persistence"
)

func newReportFixture(t *testing.T, cfg configuration.Report) (*ReportUseCase, *persistence.CollectionStore) {
	store := persistence.NewCollectionStore(t.TempDir())
	uc := NewReportUseCase(store, cfg).WithClock(func() time.Time { return baseTime })
	return uc, store
}

func appendAll[T any](t *testing.T, store *persistence.CollectionStore, name model.Collection, records ...T) {
	for _, r := range records {
		require.NoError(t, store.Append(context.Background(), name, r))
	}
}

func snapshot(tweetID, fetchedAt string, replies int64, organic, nonPublic *int64) model.MetricsSnapshot {
	s := model.MetricsSnapshot{
		ID:            tweetID + "-" + fetchedAt,
		TweetID:       tweetID,
		FetchedAt:     fetchedAt,
		PublicMetrics: model.PublicMetrics{ReplyCount: replies, LikeCount: replies * 2},
	}
	if organic != nil {
		s.OrganicMetrics = &model.PrivateMetrics{ImpressionCount: *organic}
	}
	if nonPublic != nil {
		s.NonPublicMetrics = &model.PrivateMetrics{ImpressionCount: *nonPublic}
	}
	return s
}

func n64(v int64) *int64 { return &v }

func tweetIDs(rows []PostPerformance) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.TweetID)
	}
	return out
}

func TestPerformance_RanksRecentPostsByBestSnapshot(t *testing.T) {
	uc, store := newReportFixture(t, configuration.Report{PerformanceLimit: 50})
	appendAll(t, store, model.CollectionPosts,
		model.PostRecord{ID: "p1", TweetID: "t1", Content: "one", PostedAt: "2026-03-28T00:00:00Z"},
		model.PostRecord{ID: "p2", TweetID: "t2", Content: "two", PostedAt: "2026-03-29T00:00:00Z"},
		model.PostRecord{ID: "p3", TweetID: "t3", Content: "three", PostedAt: "2026-03-30T00:00:00Z"},
		model.PostRecord{ID: "p4", TweetID: "t4", Content: "four", PostedAt: "2026-03-31T00:00:00Z"},
	)
	appendAll(t, store, model.CollectionMetrics,
		snapshot("t1", "2026-03-31T10:00:00Z", 50, n64(1000), nil),
		snapshot("t2", "2026-03-31T10:00:00Z", 1, n64(100), nil),
		snapshot("t2", "2026-03-31T11:00:00Z", 2, n64(300), nil),
		snapshot("t3", "2026-03-31T10:00:00Z", 5, nil, nil),
		snapshot("t3", "2026-03-31T11:00:00Z", 7, nil, nil),
		snapshot("t4", "2026-03-31T10:00:00Z", 0, nil, n64(50)),
		snapshot("t4", "2026-03-31T11:00:00Z", 9, nil, nil),
	)

	rep, err := uc.Performance(context.Background(), PerformanceOptions{Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, "2026-04-01T09:00:00Z", rep.UpdatedAt)
	assert.Equal(t, 3, rep.Posts)
	assert.Equal(t, []string{"t2", "t4", "t3"}, tweetIDs(rep.TopByImpressions))
	assert.Equal(t, []string{"t3", "t2", "t4"}, tweetIDs(rep.TopByReplies))

	top := rep.TopByImpressions[0]
	require.NotNil(t, top.Impressions)
	assert.Equal(t, int64(300), *top.Impressions)
	assert.Equal(t, int64(2), top.Replies)
	assert.Equal(t, int64(4), top.Likes)
	assert.Equal(t, "two", top.Content)
	assert.Nil(t, rep.TopByImpressions[2].Impressions)
}

func TestPerformance_NoPosts(t *testing.T) {
	uc, _ := newReportFixture(t, configuration.Report{PerformanceLimit: 50})

	rep, err := uc.Performance(context.Background(), PerformanceOptions{})
	require.NoError(t, err)
	assert.Zero(t, rep.Posts)
	assert.Empty(t, rep.TopByImpressions)
	assert.Empty(t, rep.TopByReplies)
}

func TestEligibility_SumsImpressionsInsideWindow(t *testing.T) {
	ctx := context.Background()
	uc, store := newReportFixture(t, configuration.Report{WindowDays: 90, TargetImpressions: 3000})

	inWindow := snapshot("a", "2026-03-02T00:00:00Z", 0, n64(200), nil)
	inWindow.CreatedAt = "2026-03-01T00:00:00.000Z"
	inWindowLater := snapshot("a", "2026-03-03T00:00:00Z", 0, n64(400), nil)
	inWindowLater.CreatedAt = "2026-03-01T00:00:00.000Z"
	tooOld := snapshot("b", "2025-12-02T00:00:00Z", 0, n64(900), nil)
	tooOld.CreatedAt = "2025-12-01T00:00:00.000Z"
	appendAll(t, store, model.CollectionMetrics,
		inWindow,
		inWindowLater,
		tooOld,
		snapshot("c", "2026-04-01T08:30:00Z", 0, nil, n64(150)),
		snapshot("d", "2026-04-01T08:30:00Z", 0, n64(75), nil),
		snapshot("e", "2026-04-01T08:30:00Z", 3, nil, nil),
	)
	appendAll(t, store, model.CollectionPosts,
		model.PostRecord{ID: "pc", TweetID: "c", PostedAt: model.FormatTime(baseTime.Add(-time.Hour))},
	)
	require.NoError(t, uc.SetVerifiedFollowers(ctx, 10))
	require.NoError(t, uc.SetVerifiedFollowers(ctx, 12))

	rec, err := uc.Eligibility(ctx, EligibilityOptions{})
	require.NoError(t, err)

	assert.Equal(t, "2026-04-01T09:00:00Z", rec.ComputedAt)
	assert.Equal(t, "2026-01-01T09:00:00Z", rec.WindowStart)
	assert.Equal(t, int64(550), rec.ObservedImpressions)
	assert.Equal(t, 18.33, rec.ProgressPct)
	assert.Equal(t, 4, rec.TweetsWithObservedImpressions)
	assert.Equal(t, 2, rec.TweetsInWindow)
	assert.Equal(t, 1, rec.TweetsMissingCreatedAt)
	require.NotNil(t, rec.VerifiedFollowers)
	assert.Equal(t, int64(12), *rec.VerifiedFollowers)

	stored, err := repository.ReadAll[model.EligibilityRecord](ctx, store, model.CollectionEligibility)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.ID, stored[0].ID)
}

func TestEligibility_EmptyState(t *testing.T) {
	uc, _ := newReportFixture(t, configuration.Report{WindowDays: 90, TargetImpressions: 5_000_000})

	rec, err := uc.Eligibility(context.Background(), EligibilityOptions{Now: at(baseTime.Add(time.Hour))})
	require.NoError(t, err)
	assert.Zero(t, rec.ObservedImpressions)
	assert.Zero(t, rec.ProgressPct)
	assert.Nil(t, rec.VerifiedFollowers)
	assert.Equal(t, "2026-04-01T10:00:00Z", rec.ComputedAt)
}

func TestSetVerifiedFollowers_RejectsNegative(t *testing.T) {
	uc, _ := newReportFixture(t, configuration.Report{})
	var vErr *model.ValidationError
	assert.ErrorAs(t, uc.SetVerifiedFollowers(context.Background(), -1), &vErr)
}
