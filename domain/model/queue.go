package model

import "time"

// TimeLayout is the fixed-width UTC layout used for every persisted instant.
// Lexicographic order of values in this layout equals chronological order.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type QueueStatus string

const (
	QueueStatusQueued           QueueStatus = "queued"
	QueueStatusPublished        QueueStatus = "published"
	QueueStatusPublishFailed    QueueStatus = "publish_failed"
	QueueStatusSkippedDuplicate QueueStatus = "skipped_duplicate"
)

// QueueItem is one post waiting for (or done with) publication.
type QueueItem struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	ContentHash string      `json:"content_hash"`
	ScheduledAt string      `json:"scheduled_at"`
	Status      QueueStatus `json:"status"`
	Retries     int         `json:"retries"`
	TweetID     *string     `json:"tweet_id,omitempty"`
	LastError   *string     `json:"last_error,omitempty"`
	Source      string      `json:"source"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// PostRecord is an append-only record of one successful publish
type PostRecord struct {
	ID               string `json:"id"`
	TweetID          string `json:"tweet_id"`
	Content          string `json:"content"`
	ContentHash      string `json:"content_hash"`
	SourceScheduleID string `json:"source_schedule_id"`
	PostedAt         string `json:"posted_at"`
}

// PublishResult is what a gateway returns for a created post.
type PublishResult struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at"`
}

// PublicMetrics holds the engagement counters reported for one post.
type PublicMetrics struct {
	RetweetCount    int64 `json:"retweet_count"`
	ReplyCount      int64 `json:"reply_count"`
	LikeCount       int64 `json:"like_count"`
	QuoteCount      int64 `json:"quote_count"`
	BookmarkCount   int64 `json:"bookmark_count"`
	ImpressionCount int64 `json:"impression_count"`
}

// PrivateMetrics holds the author-only counters (non_public_metrics and
// organic_metrics). They are only served for recent posts under user context.
type PrivateMetrics struct {
	ImpressionCount   int64 `json:"impression_count"`
	URLLinkClicks     int64 `json:"url_link_clicks,omitempty"`
	UserProfileClicks int64 `json:"user_profile_clicks,omitempty"`
	LikeCount         int64 `json:"like_count,omitempty"`
	ReplyCount        int64 `json:"reply_count,omitempty"`
	RetweetCount      int64 `json:"retweet_count,omitempty"`
}

// PostMetrics is a gateway metrics response for one post. The private
// sections are nil when the platform only granted public fields.
type PostMetrics struct {
	TweetID          string          `json:"tweet_id"`
	CreatedAt        string          `json:"created_at,omitempty"`
	PublicMetrics    PublicMetrics   `json:"public_metrics"`
	NonPublicMetrics *PrivateMetrics `json:"non_public_metrics,omitempty"`
	OrganicMetrics   *PrivateMetrics `json:"organic_metrics,omitempty"`
}

// MetricsSnapshot is one row of the metrics collection.
type MetricsSnapshot struct {
	ID               string          `json:"id"`
	TweetID          string          `json:"tweet_id"`
	FetchedAt        string          `json:"fetched_at"`
	CreatedAt        string          `json:"created_at,omitempty"`
	PublicMetrics    PublicMetrics   `json:"public_metrics"`
	NonPublicMetrics *PrivateMetrics `json:"non_public_metrics,omitempty"`
	OrganicMetrics   *PrivateMetrics `json:"organic_metrics,omitempty"`
}

// Impressions prefers organic impressions and falls back to non-public ones.
// ok is false when the snapshot carries neither.
func (s MetricsSnapshot) Impressions() (n int64, ok bool) {
	switch {
	case s.OrganicMetrics != nil:
		return s.OrganicMetrics.ImpressionCount, true
	case s.NonPublicMetrics != nil:
		return s.NonPublicMetrics.ImpressionCount, true
	default:
		return 0, false
	}
}

type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusError   StageStatus = "error"
	StageStatusStopped StageStatus = "stopped"
	StageStatusSkipped StageStatus = "skipped"
)

// StageResult summarizes one stage of a cycle.
type StageResult struct {
	Status StageStatus    `json:"status"`
	Counts map[string]int `json:"counts,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RunRecord is appended to the runs collection once per cycle.
type RunRecord struct {
	ID         string      `json:"id"`
	Mode       string      `json:"mode"`
	Status     RunStatus   `json:"status"`
	Publish    StageResult `json:"publish"`
	Metrics    StageResult `json:"metrics"`
	StartedAt  string      `json:"started_at"`
	FinishedAt string      `json:"finished_at"`
}
