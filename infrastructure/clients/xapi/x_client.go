package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/logger"
)

const (
	opPublish = "publish"
	opMetrics = "metrics"

	maxResponseBytes = 1 << 20
)

// Client is the live X API v2 gateway. Every call obtains its bearer token
// from the token provider and is retried once after a 401 and a forced refresh.
type Client struct {
	baseURL    string
	tokens     repository.ITokenProvider
	httpClient *http.Client
	timeout    time.Duration
	minTTL     time.Duration
}

// Config represents X API client configuration
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MinTokenTTL time.Duration
}

// NewXClient creates a live gateway
func NewXClient(config Config, tokens repository.ITokenProvider) repository.IPlatform {
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{},
		timeout:    config.Timeout,
		minTTL:     config.MinTokenTTL,
	}
}

func (c *Client) Name() string { return "live" }

type createTweetRequest struct {
	Text string `json:"text"`
}

type createTweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish creates a post
func (c *Client) Publish(ctx context.Context, text string) (*model.PublishResult, error) {
	payload, err := json.Marshal(createTweetRequest{Text: text})
	if err != nil {
		return nil, &model.PublishError{Err: err}
	}
	body, status, err := c.call(ctx, opPublish, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, &model.PublishError{StatusCode: status, Message: err.Error(), Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &model.PublishError{StatusCode: status, Message: errorMessage(body)}
	}

	var resp createTweetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &model.PublishError{StatusCode: status, Message: "decode response", Err: err}
	}
	if resp.Data.ID == "" {
		return nil, &model.PublishError{StatusCode: status, Message: "response has no post id: " + truncate(string(body), 200)}
	}
	if resp.Data.Text == "" {
		resp.Data.Text = text
	}
	return &model.PublishResult{ID: resp.Data.ID, Text: resp.Data.Text, PostedAt: time.Now().UTC()}, nil
}

type lookupParams struct {
	IDs         []string `url:"ids,comma"`
	TweetFields []string `url:"tweet.fields,comma"`
}

var (
	fullFields   = []string{"created_at", "public_metrics", "non_public_metrics", "organic_metrics"}
	publicFields = []string{"created_at", "public_metrics"}
)

type lookupResponse struct {
	Data []struct {
		ID               string                `json:"id"`
		CreatedAt        string                `json:"created_at"`
		PublicMetrics    model.PublicMetrics   `json:"public_metrics"`
		NonPublicMetrics *model.PrivateMetrics `json:"non_public_metrics"`
		OrganicMetrics   *model.PrivateMetrics `json:"organic_metrics"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

// FetchMetrics returns the metrics of one post. Private and organic counters
// are requested first; when the platform refuses them (401/403) the lookup is
// repeated with public fields only.
func (c *Client) FetchMetrics(ctx context.Context, tweetID string) (*model.PostMetrics, error) {
	m, err := c.lookup(ctx, tweetID, fullFields, true)
	var mErr *model.MetricsError
	if errors.As(err, &mErr) && mErr.Err == nil &&
		(mErr.StatusCode == http.StatusUnauthorized || mErr.StatusCode == http.StatusForbidden) {
		logger.GetLogger().WithField("tweet_id", tweetID).WithField("status", mErr.StatusCode).Info("Private metrics refused; using public fields")
		return c.lookup(ctx, tweetID, publicFields, false)
	}
	return m, err
}

func (c *Client) lookup(ctx context.Context, tweetID string, fields []string, refresh bool) (*model.PostMetrics, error) {
	values, err := query.Values(lookupParams{IDs: []string{tweetID}, TweetFields: fields})
	if err != nil {
		return nil, &model.MetricsError{TweetID: tweetID, Err: err}
	}
	endpoint := c.baseURL + "/2/tweets?" + values.Encode()

	body, status, err := c.call(ctx, opMetrics, refresh, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, &model.MetricsError{TweetID: tweetID, StatusCode: status, Message: err.Error(), Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &model.MetricsError{TweetID: tweetID, StatusCode: status, Message: errorMessage(body)}
	}

	var resp lookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &model.MetricsError{TweetID: tweetID, StatusCode: status, Message: "decode response", Err: err}
	}
	for _, d := range resp.Data {
		if d.ID == tweetID {
			return &model.PostMetrics{
				TweetID:          d.ID,
				CreatedAt:        d.CreatedAt,
				PublicMetrics:    d.PublicMetrics,
				NonPublicMetrics: d.NonPublicMetrics,
				OrganicMetrics:   d.OrganicMetrics,
			}, nil
		}
	}
	msg := "post not found"
	if len(resp.Errors) > 0 {
		msg = resp.Errors[0].text()
	}
	return nil, &model.MetricsError{TweetID: tweetID, StatusCode: status, Message: msg}
}

// call sends the request built by newReq with a fresh bearer token. On the first
// 401 it forces a refresh tagged api_<op>_unauthorized and sends once more,
// unless refresh is false.
func (c *Client) call(ctx context.Context, op string, refresh bool, newReq func(context.Context) (*http.Request, error)) ([]byte, int, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.EnsureAccessToken(ctx, c.minTTL)
		if err != nil {
			return nil, 0, err
		}
		body, status, err := c.send(ctx, newReq, token)
		if err != nil {
			return nil, 0, err
		}
		if status == http.StatusUnauthorized && refresh && attempt == 0 {
			reason := fmt.Sprintf("api_%s_unauthorized", op)
			logger.GetLogger().WithField("op", op).Warn("X API returned 401; refreshing credential and retrying once")
			if _, err := c.tokens.Refresh(ctx, reason); err != nil {
				return body, status, fmt.Errorf("refresh after 401: %w", err)
			}
			continue
		}
		return body, status, nil
	}
}

func (c *Client) send(ctx context.Context, newReq func(context.Context) (*http.Request, error), token string) ([]byte, int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := newReq(ctx)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

type apiError struct {
	Message string `json:"message"`
	Title   string `json:"title"`
	Detail  string `json:"detail"`
}

func (e apiError) text() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Message != "":
		return e.Message
	default:
		return e.Title
	}
}

// errorMessage pulls a readable message out of an X API error body.
func errorMessage(body []byte) string {
	var single apiError
	if err := json.Unmarshal(body, &single); err == nil && single.text() != "" {
		return single.text()
	}
	var multi struct {
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &multi); err == nil && len(multi.Errors) > 0 && multi.Errors[0].text() != "" {
		return multi.Errors[0].text()
	}
	return truncate(strings.TrimSpace(string(body)), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
