package usecase

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/persistence"
)

type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) Name() string { return "mock" }

func (m *mockPlatform) Publish(ctx context.Context, text string) (*model.PublishResult, error) {
	args := m.Called(ctx, text)
	res, _ := args.Get(0).(*model.PublishResult)
	return res, args.Error(1)
}

func (m *mockPlatform) FetchMetrics(ctx context.Context, tweetID string) (*model.PostMetrics, error) {
	args := m.Called(ctx, tweetID)
	res, _ := args.Get(0).(*model.PostMetrics)
	return res, args.Error(1)
}

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type queueFixture struct {
	uc       *QueueUseCase
	store    *persistence.CollectionStore
	platform *mockPlatform
}

func newQueueFixture(t *testing.T) *queueFixture {
	f := &queueFixture{
		store:    persistence.NewCollectionStore(t.TempDir()),
		platform: &mockPlatform{},
	}
	f.uc = NewQueueUseCase(f.store, f.platform, configuration.Queue{MaxRetries: 3, PublishLimit: 1}).
		WithClock(func() time.Time { return baseTime })
	return f
}

func (f *queueFixture) enqueue(t *testing.T, text string, at time.Time) *model.QueueItem {
	item, err := f.uc.EnqueuePost(context.Background(), text, at.Format(time.RFC3339), "test")
	require.NoError(t, err)
	return item
}

func (f *queueFixture) posts(t *testing.T) []model.PostRecord {
	posts, err := repository.ReadAll[model.PostRecord](context.Background(), f.store, model.CollectionPosts)
	require.NoError(t, err)
	return posts
}

func (f *queueFixture) item(t *testing.T, id string) model.QueueItem {
	items, err := f.uc.ListQueue(context.Background(), "")
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("queue item %s not found", id)
	return model.QueueItem{}
}

func at(t time.Time) *time.Time { return &t }

func TestContentHash_TrimsAndIsDeterministic(t *testing.T) {
	assert.Equal(t, ContentHash("hello"), ContentHash("  hello \n"))
	assert.NotEqual(t, ContentHash("hello"), ContentHash("Hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ContentHash("hello"))
}

func TestEnqueuePost_Validation(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	var vErr *model.ValidationError

	_, err := f.uc.EnqueuePost(ctx, "   ", "2026-04-01T10:00:00Z", "")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "content", vErr.Field)

	_, err = f.uc.EnqueuePost(ctx, strings.Repeat("a", 281), "2026-04-01T10:00:00Z", "")
	require.ErrorAs(t, err, &vErr)

	_, err = f.uc.EnqueuePost(ctx, strings.Repeat("a", 280), "2026-04-01T10:00:00Z", "")
	require.NoError(t, err)

	// Emoji outside the BMP take two UTF-16 code units each.
	_, err = f.uc.EnqueuePost(ctx, strings.Repeat("😀", 141), "2026-04-01T10:00:00Z", "")
	require.ErrorAs(t, err, &vErr)
	_, err = f.uc.EnqueuePost(ctx, strings.Repeat("😀", 140), "2026-04-01T10:00:00Z", "")
	require.NoError(t, err)

	_, err = f.uc.EnqueuePost(ctx, "ok", "next tuesday", "")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "scheduled_at", vErr.Field)
}

func TestEnqueuePost_NormalizesAndPersists(t *testing.T) {
	f := newQueueFixture(t)
	item, err := f.uc.EnqueuePost(context.Background(), "  hi there  ", "2026-04-01T12:30:00+02:00", "")
	require.NoError(t, err)

	assert.Equal(t, "hi there", item.Content)
	assert.Equal(t, "2026-04-01T10:30:00Z", item.ScheduledAt)
	assert.Equal(t, model.QueueStatusQueued, item.Status)
	assert.Equal(t, 0, item.Retries)
	assert.Equal(t, "manual", item.Source)
	assert.Equal(t, ContentHash("hi there"), item.ContentHash)
	assert.Equal(t, *item, f.item(t, item.ID))
}

func TestParseSchedule(t *testing.T) {
	cases := map[string]string{
		"2026-04-01T10:00:00Z":      "2026-04-01T10:00:00Z",
		"2026-04-01T10:00:00.5Z":    "2026-04-01T10:00:00Z",
		"2026-04-01T10:00:00-05:00": "2026-04-01T15:00:00Z",
		"2026-04-01T10:00:00":       "2026-04-01T10:00:00Z",
		"2026-04-01 10:00":          "2026-04-01T10:00:00Z",
	}
	for in, want := range cases {
		got, err := ParseSchedule(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestListQueue_SortsAndFilters(t *testing.T) {
	f := newQueueFixture(t)
	late := f.enqueue(t, "late", baseTime.Add(3*time.Hour))
	early := f.enqueue(t, "early", baseTime.Add(time.Hour))
	tie := f.enqueue(t, "tie", baseTime.Add(time.Hour))

	items, err := f.uc.ListQueue(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{early.ID, tie.ID, late.ID}, []string{items[0].ID, items[1].ID, items[2].ID})

	items, err = f.uc.ListQueue(context.Background(), model.QueueStatusPublished)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPublishDue_DuplicateScenario(t *testing.T) {
	f := newQueueFixture(t)
	first := f.enqueue(t, "A", baseTime.Add(time.Hour))
	second := f.enqueue(t, "A", baseTime.Add(2*time.Hour))
	f.platform.On("Publish", mock.Anything, "A").Return(&model.PublishResult{ID: "t-1", Text: "A", PostedAt: baseTime}, nil).Once()

	now := baseTime.Add(3 * time.Hour)
	summary, err := f.uc.PublishDue(context.Background(), PublishOptions{Now: &now, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)

	posts := f.posts(t)
	require.Len(t, posts, 1)
	assert.Equal(t, "t-1", posts[0].TweetID)
	assert.Equal(t, first.ID, posts[0].SourceScheduleID)
	assert.Equal(t, model.FormatTime(now), posts[0].PostedAt)
	assert.Equal(t, ContentHash("A"), posts[0].ContentHash)

	assert.Equal(t, model.QueueStatusPublished, f.item(t, first.ID).Status)
	assert.Equal(t, "t-1", *f.item(t, first.ID).TweetID)
	assert.Equal(t, model.QueueStatusSkippedDuplicate, f.item(t, second.ID).Status)
	f.platform.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublishDue_IgnoresUnreadableQueueRows(t *testing.T) {
	f := newQueueFixture(t)
	item := f.enqueue(t, "still goes out", baseTime.Add(-time.Minute))
	path, err := f.store.Path(model.CollectionQueue)
	require.NoError(t, err)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("42\n{\"id\":7}\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())
	f.platform.On("Publish", mock.Anything, "still goes out").Return(&model.PublishResult{ID: "t-5"}, nil).Once()

	summary, err := f.uc.PublishDue(context.Background(), PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, model.QueueStatusPublished, f.item(t, item.ID).Status)
	assert.Len(t, f.posts(t), 1)
}

func TestPublishDue_DuplicateOrderIndependent(t *testing.T) {
	f := newQueueFixture(t)
	later := f.enqueue(t, "same", baseTime.Add(2*time.Hour))
	earlier := f.enqueue(t, "same", baseTime.Add(time.Hour))
	f.platform.On("Publish", mock.Anything, "same").Return(&model.PublishResult{ID: "t-9"}, nil).Once()

	summary, err := f.uc.PublishDue(context.Background(), PublishOptions{Now: at(baseTime.Add(3 * time.Hour)), Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, model.QueueStatusPublished, f.item(t, earlier.ID).Status)
	assert.Equal(t, model.QueueStatusSkippedDuplicate, f.item(t, later.ID).Status)
}

func TestPublishDue_SkipsContentPublishedInEarlierCycles(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t)
	f.enqueue(t, "repeat me", baseTime)
	f.platform.On("Publish", mock.Anything, "repeat me").Return(&model.PublishResult{ID: "t-1"}, nil).Once()
	_, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)

	again := f.enqueue(t, " repeat me ", baseTime.Add(time.Hour))
	summary, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime.Add(2 * time.Hour))})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, model.QueueStatusSkippedDuplicate, f.item(t, again.ID).Status)
	assert.Len(t, f.posts(t), 1)
	f.platform.AssertNumberOfCalls(t, "Publish", 1)
}

func TestPublishDue_RespectsScheduleAndLimit(t *testing.T) {
	f := newQueueFixture(t)
	a := f.enqueue(t, "a", baseTime.Add(time.Hour))
	b := f.enqueue(t, "b", baseTime.Add(30*time.Minute))
	future := f.enqueue(t, "future", baseTime.Add(5*time.Hour))
	f.platform.On("Publish", mock.Anything, "b").Return(&model.PublishResult{ID: "t-b"}, nil).Once()

	now := baseTime.Add(2 * time.Hour)
	summary, err := f.uc.PublishDue(context.Background(), PublishOptions{Now: &now, Limit: 1})
	require.NoError(t, err)
	require.Len(t, summary.Items, 1)
	assert.Equal(t, b.ID, summary.Items[0].ID)
	assert.Equal(t, model.QueueStatusQueued, f.item(t, a.ID).Status)
	assert.Equal(t, model.QueueStatusQueued, f.item(t, future.ID).Status)
}

func TestPublishDue_DefaultLimitFromConfig(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueue(t, "one", baseTime)
	f.enqueue(t, "two", baseTime)
	f.platform.On("Publish", mock.Anything, "one").Return(&model.PublishResult{ID: "t-1"}, nil).Once()

	summary, err := f.uc.PublishDue(context.Background(), PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Published)
	f.platform.AssertExpectations(t)
}

func TestPublishDue_RetriesUntilMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t)
	item := f.enqueue(t, "flaky", baseTime)
	f.platform.On("Publish", mock.Anything, "flaky").Return(nil, &model.PublishError{StatusCode: 503, Message: "unavailable"})

	for i := 1; i <= 3; i++ {
		summary, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime)})
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
		got := f.item(t, item.ID)
		assert.Equal(t, model.QueueStatusPublishFailed, got.Status)
		assert.Equal(t, i, got.Retries)
		require.NotNil(t, got.LastError)
		assert.Contains(t, *got.LastError, "unavailable")
	}

	summary, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)
	assert.Empty(t, summary.Items)
	f.platform.AssertNumberOfCalls(t, "Publish", 3)
	assert.Empty(t, f.posts(t))
}

func TestPublishDue_FailedItemCanStillPublish(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t)
	item := f.enqueue(t, "eventually", baseTime)
	f.platform.On("Publish", mock.Anything, "eventually").Return(nil, errors.New("boom")).Once()
	f.platform.On("Publish", mock.Anything, "eventually").Return(&model.PublishResult{ID: "t-2"}, nil).Once()

	_, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)
	summary, err := f.uc.PublishDue(ctx, PublishOptions{Now: at(baseTime)})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Published)
	got := f.item(t, item.ID)
	assert.Equal(t, model.QueueStatusPublished, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Nil(t, got.LastError)
}

func TestPublishDue_IdempotentOnceTerminal(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t)
	f.enqueue(t, "x", baseTime)
	f.enqueue(t, "x", baseTime)
	f.enqueue(t, "y", baseTime)
	f.platform.On("Publish", mock.Anything, "x").Return(&model.PublishResult{ID: "t-x"}, nil).Once()
	f.platform.On("Publish", mock.Anything, "y").Return(&model.PublishResult{ID: "t-y"}, nil).Once()

	now := baseTime.Add(time.Minute)
	_, err := f.uc.PublishDue(ctx, PublishOptions{Now: &now, Limit: 10})
	require.NoError(t, err)

	summary, err := f.uc.PublishDue(ctx, PublishOptions{Now: &now, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Published)
	assert.Empty(t, summary.Items)
	f.platform.AssertNumberOfCalls(t, "Publish", 2)

	posts := f.posts(t)
	seen := map[string]bool{}
	for _, p := range posts {
		assert.False(t, seen[p.ContentHash], "duplicate content hash in posts")
		seen[p.ContentHash] = true
	}
}

func TestPublishDue_UsesGatewayTimeWithoutInjectedNow(t *testing.T) {
	f := newQueueFixture(t)
	f.enqueue(t, "live time", baseTime.Add(-time.Hour))
	gatewayTime := baseTime.Add(5 * time.Second)
	f.platform.On("Publish", mock.Anything, "live time").Return(&model.PublishResult{ID: "t-1", PostedAt: gatewayTime}, nil)

	_, err := f.uc.PublishDue(context.Background(), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.FormatTime(gatewayTime), f.posts(t)[0].PostedAt)
}
