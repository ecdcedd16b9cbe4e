package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

// MaxPostLength is the platform limit in UTF-16 code units.
const MaxPostLength = 280

var scheduleLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// PublishOptions controls one PublishDue batch. A nil Now means the wall clock;
// a non-positive Limit means the configured publish limit.
type PublishOptions struct {
	Now   *time.Time
	Limit int
}

// PublishItemResult is the outcome for one processed queue item.
type PublishItemResult struct {
	ID      string            `json:"id"`
	Status  model.QueueStatus `json:"status"`
	TweetID string            `json:"tweet_id,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PublishSummary aggregates a PublishDue batch.
type PublishSummary struct {
	Published int                 `json:"published"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Items     []PublishItemResult `json:"items"`
}

// IQueueUseCase defines the publish queue operations
type IQueueUseCase interface {
	EnqueuePost(ctx context.Context, content, scheduledAt, source string) (*model.QueueItem, error)
	ListQueue(ctx context.Context, status model.QueueStatus) ([]model.QueueItem, error)
	PublishDue(ctx context.Context, opts PublishOptions) (*PublishSummary, error)
}

type QueueUseCase struct {
	store        repository.ICollectionStore
	platform     repository.IPlatform
	maxRetries   int
	publishLimit int
	now          func() time.Time
}

func NewQueueUseCase(store repository.ICollectionStore, platform repository.IPlatform, cfg configuration.Queue) *QueueUseCase {
	return &QueueUseCase{
		store:        store,
		platform:     platform,
		maxRetries:   cfg.MaxRetries,
		publishLimit: cfg.PublishLimit,
		now:          time.Now,
	}
}

// WithClock overrides the time source (fluent).
func (u *QueueUseCase) WithClock(now func() time.Time) *QueueUseCase {
	u.now = now
	return u
}

// ContentHash is the hex SHA-256 of the trimmed text. It is the dedup key for posts.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ContentLength counts UTF-16 code units, which is how the platform measures posts.
func ContentLength(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return n
}

// ParseSchedule accepts RFC 3339 or a zone-less local form (read as UTC) and
// returns the instant in model.TimeLayout.
func ParseSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &model.ValidationError{Field: "scheduled_at", Message: "required"}
	}
	for _, layout := range scheduleLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return model.FormatTime(t), nil
		}
	}
	return "", &model.ValidationError{Field: "scheduled_at", Message: fmt.Sprintf("cannot parse %q as a date-time", raw)}
}

func (u *QueueUseCase) EnqueuePost(ctx context.Context, content, scheduledAt, source string) (*model.QueueItem, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, &model.ValidationError{Field: "content", Message: "must not be empty"}
	}
	if n := ContentLength(text); n > MaxPostLength {
		return nil, &model.ValidationError{Field: "content", Message: fmt.Sprintf("%d characters exceeds the %d limit", n, MaxPostLength)}
	}
	at, err := ParseSchedule(scheduledAt)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = "manual"
	}

	now := model.FormatTime(u.now())
	item := &model.QueueItem{
		ID:          uuid.NewString(),
		Content:     text,
		ContentHash: ContentHash(text),
		ScheduledAt: at,
		Status:      model.QueueStatusQueued,
		Retries:     0,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := u.store.Append(ctx, model.CollectionQueue, item); err != nil {
		return nil, fmt.Errorf("append queue item: %w", err)
	}
	logger.GetLogger().WithField("queue_id", item.ID).WithField("scheduled_at", item.ScheduledAt).Info("Post enqueued")
	return item, nil
}

// ListQueue returns queue items sorted by scheduled_at, optionally filtered by status.
func (u *QueueUseCase) ListQueue(ctx context.Context, status model.QueueStatus) ([]model.QueueItem, error) {
	items, err := repository.ReadAll[model.QueueItem](ctx, u.store, model.CollectionQueue)
	if err != nil {
		return nil, err
	}
	out := make([]model.QueueItem, 0, len(items))
	for _, it := range items {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt < out[j].ScheduledAt })
	return out, nil
}

func (u *QueueUseCase) isDue(it *model.QueueItem, now string) bool {
	if it.ScheduledAt > now {
		return false
	}
	switch it.Status {
	case model.QueueStatusQueued:
		return true
	case model.QueueStatusPublishFailed:
		return it.Retries < u.maxRetries
	default:
		return false
	}
}

// PublishDue publishes due items one at a time, skipping any whose content hash
// was already published, then writes back the queue and posts collections.
func (u *QueueUseCase) PublishDue(ctx context.Context, opts PublishOptions) (*PublishSummary, error) {
	injected := opts.Now != nil
	now := u.now().UTC()
	if injected {
		now = opts.Now.UTC()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = u.publishLimit
	}
	nowStr := model.FormatTime(now)

	queue, err := repository.ReadAll[model.QueueItem](ctx, u.store, model.CollectionQueue)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return nil, fmt.Errorf("read posts: %w", err)
	}

	published := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		published[p.ContentHash] = struct{}{}
	}

	// Indexes into queue keep insertion order as the tie breaker.
	due := make([]int, 0)
	for i := range queue {
		if u.isDue(&queue[i], nowStr) {
			due = append(due, i)
		}
	}
	sort.SliceStable(due, func(a, b int) bool { return queue[due[a]].ScheduledAt < queue[due[b]].ScheduledAt })
	if len(due) > limit {
		due = due[:limit]
	}

	summary := &PublishSummary{Items: make([]PublishItemResult, 0, len(due))}
	if len(due) == 0 {
		return summary, nil
	}

	for _, idx := range due {
		it := &queue[idx]
		log := logger.GetLogger().WithField("queue_id", it.ID)
		it.UpdatedAt = nowStr

		hash := it.ContentHash
		if hash == "" {
			hash = ContentHash(it.Content)
			it.ContentHash = hash
		}
		if _, dup := published[hash]; dup {
			it.Status = model.QueueStatusSkippedDuplicate
			summary.Skipped++
			summary.Items = append(summary.Items, PublishItemResult{ID: it.ID, Status: it.Status})
			log.Info("Skipping duplicate content")
			continue
		}

		res, err := u.platform.Publish(ctx, it.Content)
		if err != nil {
			msg := err.Error()
			it.Retries++
			it.Status = model.QueueStatusPublishFailed
			it.LastError = &msg
			summary.Failed++
			summary.Items = append(summary.Items, PublishItemResult{ID: it.ID, Status: it.Status, Error: msg})
			log.WithField("retries", it.Retries).WithField("error", msg).Warn("Publish failed")
			continue
		}

		postedAt := nowStr
		if !injected && !res.PostedAt.IsZero() {
			postedAt = model.FormatTime(res.PostedAt)
		}
		posts = append(posts, model.PostRecord{
			ID:               uuid.NewString(),
			TweetID:          res.ID,
			Content:          it.Content,
			ContentHash:      hash,
			SourceScheduleID: it.ID,
			PostedAt:         postedAt,
		})
		published[hash] = struct{}{}

		tweetID := res.ID
		it.Status = model.QueueStatusPublished
		it.TweetID = &tweetID
		it.LastError = nil
		summary.Published++
		summary.Items = append(summary.Items, PublishItemResult{ID: it.ID, Status: it.Status, TweetID: tweetID})
		log.WithField("tweet_id", tweetID).Info("Post published")
	}

	// Posts first: a crash between the two writes leaves a published item
	// queued, and the dedup index then skips it instead of posting twice.
	if err := repository.OverwriteAll(ctx, u.store, model.CollectionPosts, posts); err != nil {
		return summary, fmt.Errorf("write posts: %w", err)
	}
	if err := repository.OverwriteAll(ctx, u.store, model.CollectionQueue, queue); err != nil {
		return summary, fmt.Errorf("write queue: %w", err)
	}
	return summary, nil
}
