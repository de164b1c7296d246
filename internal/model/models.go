// Package model defines shared data structures for the watcher service.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Search mirrors the searches table row relevant to scraping.
type Search struct {
	ID   int64
	Name string

	// RawQuery is the query string copied from a marketplace catalog URL.
	// When set it takes precedence over the structured fields below.
	RawQuery string

	SearchText  string
	CatalogIDs  []int64
	BrandIDs    []int64
	SizeIDs     []int64
	ColorIDs    []int64
	MaterialIDs []int64
	StatusIDs   []int64
	CountryIDs  []int64
	CityIDs     []int64
	PriceFrom   *float64
	PriceTo     *float64
	Order       string

	IntervalMinutes int
	Active          bool

	BannedWords      []string // exclusion terms, any match discards the item
	BannedSellerIDs  []string
	AllowedCountries []string

	LastRunAt     *time.Time
	LastSuccessAt *time.Time
}

// CandidateItem is a catalog entry fetched from the marketplace before it is
// accepted by the filter chain. It is never stored as-is.
type CandidateItem struct {
	ExternalID    string  `json:"externalId"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Price         float64 `json:"price"`
	Currency      string  `json:"currency"`
	Brand         string  `json:"brand,omitempty"`
	Size          string  `json:"size,omitempty"`
	Condition     string  `json:"condition,omitempty"`
	URL           string  `json:"url"`
	PhotoURL      string  `json:"photoUrl,omitempty"`
	SellerID      string  `json:"sellerId,omitempty"`
	SellerLogin   string  `json:"sellerLogin,omitempty"`
	SellerCountry string  `json:"sellerCountry,omitempty"`
}

// Item is a CandidateItem that survived the filter chain and was stored.
type Item struct {
	CandidateItem
	ID        int64     `json:"id"`
	SearchID  int64     `json:"searchId"`
	SellerRef *int64    `json:"sellerRef,omitempty"` // nil when the seller fetch failed
	FoundAt   time.Time `json:"foundAt"`
	Delivered bool      `json:"delivered"`
}

// Seller is the cached seller profile, keyed by ExternalID.
type Seller struct {
	ID               int64      `json:"id"`
	ExternalID       string     `json:"externalId"`
	Login            string     `json:"login"`
	ProfileURL       string     `json:"profileUrl,omitempty"`
	CountryCode      string     `json:"countryCode,omitempty"`
	CountryTitle     string     `json:"countryTitle,omitempty"`
	City             string     `json:"city,omitempty"`
	ItemCount        int        `json:"itemCount"`
	TotalItemsCount  int        `json:"totalItemsCount"`
	FollowersCount   int        `json:"followersCount"`
	FollowingCount   int        `json:"followingCount"`
	PositiveFeedback int        `json:"positiveFeedback"`
	NegativeFeedback int        `json:"negativeFeedback"`
	NeutralFeedback  int        `json:"neutralFeedback"`
	FeedbackCount    int        `json:"feedbackCount"`
	Reputation       float64    `json:"reputation"`
	EmailVerified    bool       `json:"emailVerified"`
	FacebookVerified bool       `json:"facebookVerified"`
	GoogleVerified   bool       `json:"googleVerified"`
	Business         bool       `json:"business"`
	Banned           bool       `json:"banned"`
	LastSeenAt       *time.Time `json:"lastSeenAt,omitempty"`
	AvgResponseTime  *int       `json:"avgResponseTime,omitempty"`
	PhotoURL         string     `json:"photoUrl,omitempty"`
	About            string     `json:"about,omitempty"`
	FirstSeenAt      time.Time  `json:"firstSeenAt"`
	LastUpdatedAt    time.Time  `json:"lastUpdatedAt"`
}

// IsFresh reports whether the profile was refreshed within maxAge of now.
func (s Seller) IsFresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdatedAt) < maxAge
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// JobKind classifies scheduled work.
type JobKind string

const (
	JobKindSearch      JobKind = "search"
	JobKindCleanup     JobKind = "cleanup"
	JobKindMaintenance JobKind = "maintenance"
)

// Fixed keys of the two maintenance jobs.
const (
	CleanupJobKey = "data_cleanup_daily"
	AgingJobKey   = "data_mark_notified_periodic"
)

// JobKey identifies a job. It is globally unique.
type JobKey struct {
	Kind JobKind
	Key  string
}

// SearchJobKey returns the key of the job that polls search id.
func SearchJobKey(id int64) JobKey {
	return JobKey{Kind: JobKindSearch, Key: fmt.Sprintf("%d", id)}
}

// ParseJobKey reverses JobKey.String for a known kind.
func ParseJobKey(kind JobKind, s string) JobKey {
	if kind == JobKindSearch {
		return JobKey{Kind: kind, Key: strings.TrimPrefix(s, "search_")}
	}
	return JobKey{Kind: kind, Key: s}
}

func (k JobKey) String() string {
	if k.Kind == JobKindSearch {
		return "search_" + k.Key
	}
	return k.Key
}

// Trigger describes when a job fires. Exactly one field is set.
type Trigger struct {
	IntervalMinutes int
	Cron            string // standard 5-field expression, evaluated in UTC
}

// Spec renders the trigger as a robfig/cron spec.
func (t Trigger) Spec() (string, error) {
	switch {
	case t.Cron != "" && t.IntervalMinutes > 0:
		return "", fmt.Errorf("trigger has both cron %q and interval %dm", t.Cron, t.IntervalMinutes)
	case t.Cron != "":
		return t.Cron, nil
	case t.IntervalMinutes > 0:
		return fmt.Sprintf("@every %dm", t.IntervalMinutes), nil
	}
	return "", fmt.Errorf("trigger is empty")
}

// RunStatus values mirror the job_runs.status column.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// RunMetrics are the counters accumulated by one job execution.
type RunMetrics struct {
	Seen           int            `json:"seen"`
	New            int            `json:"new"`
	Rejected       int            `json:"rejected"`
	Notified       int            `json:"notified"`
	SellersNew     int            `json:"sellersNew"`
	SellersUpdated int            `json:"sellersUpdated"`
	Swept          int            `json:"swept"`
	RejectReasons  map[string]int `json:"rejectReasons,omitempty"`
}

// JobRun is the audit record of one execution.
type JobRun struct {
	ID         string        `json:"id"`
	Key        JobKey        `json:"-"`
	Label      string        `json:"label"`
	Manual     bool          `json:"manual"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Status     RunStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	Metrics    RunMetrics    `json:"metrics"`
	ErrorCount int           `json:"errorCount"`
	Duration   time.Duration `json:"duration"`
}

// Alert is raised when a job's consecutive failures reach the threshold.
type Alert struct {
	Key        JobKey
	Label      string
	ErrorCount int
	LastError  string
}

// Text is the plain-text rendering shared by every channel.
func (a Alert) Text() string {
	return fmt.Sprintf("Search %s: %d consecutive errors. Last error: %s", a.Label, a.ErrorCount, a.LastError)
}

// NotificationLog records one delivery attempt on one channel.
type NotificationLog struct {
	ItemID  int64
	Channel string
	Success bool
	Error   string
	SentAt  time.Time
}
