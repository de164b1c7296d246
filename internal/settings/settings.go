// Package settings holds the runtime tunables shared by the scraper, the
// filter chain, the notifier and the scheduler.
//
// A Snapshot is immutable: components read one at the start of a job and use
// it for the whole execution. Provider.Reload swaps in a fresh snapshot so
// administrator edits apply without a restart.
package settings

import (
	"strings"
	"time"
)

// DefaultUserAgent is used when no identity is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Scraper configures the catalog client.
type Scraper struct {
	Identities       []string // user-agent strings, in rotation order
	IdentityRotation bool
	Proxies          []string
	ProxiesEnabled   bool
	ProxyRotation    bool
	MaxItemsPerRun   int
	Domain           string // e.g. "vinted.es"
	AcceptLanguage   string
	Headers          map[string]string
}

// Filter holds the global filter rules.
type Filter struct {
	MinPrice      float64
	BannedWords   []string
	BannedSellers []string
}

// Alert configures scheduler failure alerts.
type Alert struct {
	Enabled   bool
	Threshold int
}

// Retention configures the maintenance sweeps.
type Retention struct {
	MaxAgeDays     int // 0 disables age-based deletion
	MaxStoreSize   int // 0 disables the size cap
	NotifyAgeHours int
}

// Channels holds notification channel credentials. Empty values disable the
// corresponding channel.
type Channels struct {
	TelegramToken     string
	TelegramChatID    string
	DiscordWebhookURL string
	WebhookURL        string
	RedisEvents       bool
}

// Snapshot is a consistent, read-only view of all tunables.
type Snapshot struct {
	Scraper   Scraper
	Filter    Filter
	Alert     Alert
	Retention Retention
	Channels  Channels
	LoadedAt  time.Time
}

// Defaults returns the snapshot used when nothing is stored.
func Defaults() Snapshot {
	return Snapshot{
		Scraper: Scraper{
			Identities:       []string{DefaultUserAgent},
			IdentityRotation: true,
			ProxyRotation:    true,
			MaxItemsPerRun:   100,
			Domain:           "vinted.es",
			AcceptLanguage:   "es-ES,es;q=0.9,en;q=0.8",
		},
		Alert: Alert{
			Enabled:   true,
			Threshold: 3,
		},
		Retention: Retention{
			MaxAgeDays:     30,
			MaxStoreSize:   10000,
			NotifyAgeHours: 24,
		},
		Channels: Channels{
			RedisEvents: true,
		},
	}
}

// ActiveProxies returns the proxy pool, or nil when proxies are disabled.
func (s Scraper) ActiveProxies() []string {
	if !s.ProxiesEnabled {
		return nil
	}
	return s.Proxies
}

// SplitLines splits newline-separated text into trimmed, non-empty entries.
// Stored list settings (user agents, proxies, banned words) use this format.
func SplitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// NormalizeTerms lower-cases and trims terms, dropping empty ones.
func NormalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
