package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
)

// Client is an offline gateway. Ids and counters are derived from a SHA-256
// of the input so repeated runs produce the same values.
type Client struct {
	now func() time.Time
}

func NewSimulatedClient() repository.IPlatform {
	return &Client{now: time.Now}
}

// NewSimulatedClientWithClock is NewSimulatedClient with a fixed time source.
func NewSimulatedClientWithClock(now func() time.Time) repository.IPlatform {
	return &Client{now: now}
}

func (c *Client) Name() string { return "simulated" }

func (c *Client) Publish(ctx context.Context, text string) (*model.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.PublishError{Message: err.Error(), Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &model.PublishError{StatusCode: 400, Message: "text is empty"}
	}
	sum := sha256.Sum256([]byte(text))
	// Snowflake-sized decimal id, never starting with zero.
	id := binary.BigEndian.Uint64(sum[:8])%9_000_000_000_000_000_000 + 1_000_000_000_000_000_000
	return &model.PublishResult{
		ID:       "sim-" + strconv.FormatUint(id, 10),
		Text:     text,
		PostedAt: c.now().UTC(),
	}, nil
}

func (c *Client) FetchMetrics(ctx context.Context, tweetID string) (*model.PostMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.MetricsError{TweetID: tweetID, Message: err.Error(), Err: err}
	}
	if tweetID == "" {
		return nil, &model.MetricsError{TweetID: tweetID, StatusCode: 400, Message: "post id is empty"}
	}
	sum := sha256.Sum256([]byte(tweetID))
	impressions := int64(binary.BigEndian.Uint16(sum[0:2])) % 5000
	return &model.PostMetrics{
		TweetID: tweetID,
		PublicMetrics: model.PublicMetrics{
			RetweetCount:    int64(sum[2] % 20),
			ReplyCount:      int64(sum[3] % 15),
			LikeCount:       int64(sum[4] % 100),
			QuoteCount:      int64(sum[5] % 5),
			BookmarkCount:   int64(sum[6] % 10),
			ImpressionCount: impressions,
		},
		OrganicMetrics: &model.PrivateMetrics{
			ImpressionCount: impressions,
			LikeCount:       int64(sum[4] % 100),
			ReplyCount:      int64(sum[3] % 15),
			RetweetCount:    int64(sum[2] % 20),
		},
	}, nil
}
