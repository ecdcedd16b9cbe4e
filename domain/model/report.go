package model

// EligibilityRecord is one row of the eligibility collection: progress of
// organic impressions inside a trailing window against a target.
// Observed values are a lower bound built from stored metrics snapshots.
type EligibilityRecord struct {
	ID                            string  `json:"id"`
	ComputedAt                    string  `json:"computed_at"`
	WindowDays                    int     `json:"window_days"`
	WindowStart                   string  `json:"window_start"`
	TargetImpressions             int64   `json:"target_organic_impressions"`
	ObservedImpressions           int64   `json:"observed_organic_impressions"`
	ProgressPct                   float64 `json:"observed_progress_pct"`
	TweetsWithObservedImpressions int     `json:"tweets_with_observed_impressions"`
	TweetsInWindow                int     `json:"tweets_in_window"`
	TweetsMissingCreatedAt        int     `json:"tweets_missing_created_at"`
	VerifiedFollowers             *int64  `json:"verified_followers_manual"`
}

// ManualRecord carries account facts the API does not expose.
// The latest row wins.
type ManualRecord struct {
	UpdatedAt         string `json:"updated_at"`
	VerifiedFollowers *int64 `json:"verified_followers,omitempty"`
}
