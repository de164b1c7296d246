package settings

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
)

// ValidationError is returned when a Patch carries an out-of-range value.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Patch is a sparse update: only non-nil fields are applied. The stored
// settings row is read into a Patch (NULL columns stay nil) and environment
// overrides are expressed the same way.
type Patch struct {
	Identities       *[]string
	IdentityRotation *bool
	Proxies          *[]string
	ProxiesEnabled   *bool
	ProxyRotation    *bool
	MaxItemsPerRun   *int
	Domain           *string
	AcceptLanguage   *string
	Headers          map[string]string

	MinPrice      *float64
	BannedWords   *[]string
	BannedSellers *[]string

	AlertEnabled   *bool
	AlertThreshold *int

	MaxAgeDays     *int
	MaxStoreSize   *int
	NotifyAgeHours *int

	TelegramToken     *string
	TelegramChatID    *string
	DiscordWebhookURL *string
	WebhookURL        *string
	RedisEvents       *bool
}

// Validate checks every present field. It never inspects absent ones.
func (p Patch) Validate() error {
	if p.MaxItemsPerRun != nil && *p.MaxItemsPerRun < 1 {
		return &ValidationError{Msg: fmt.Sprintf("max items per run must be positive, got %d", *p.MaxItemsPerRun)}
	}
	if p.Domain != nil && *p.Domain == "" {
		return &ValidationError{Msg: "domain must not be empty"}
	}
	if p.MinPrice != nil && *p.MinPrice < 0 {
		return &ValidationError{Msg: fmt.Sprintf("min price must not be negative, got %v", *p.MinPrice)}
	}
	if p.AlertThreshold != nil && *p.AlertThreshold < 1 {
		return &ValidationError{Msg: fmt.Sprintf("alert threshold must be at least 1, got %d", *p.AlertThreshold)}
	}
	if p.MaxAgeDays != nil && *p.MaxAgeDays < 0 {
		return &ValidationError{Msg: fmt.Sprintf("max age days must not be negative, got %d", *p.MaxAgeDays)}
	}
	if p.MaxStoreSize != nil && *p.MaxStoreSize < 0 {
		return &ValidationError{Msg: fmt.Sprintf("max store size must not be negative, got %d", *p.MaxStoreSize)}
	}
	if p.NotifyAgeHours != nil && *p.NotifyAgeHours < 1 {
		return &ValidationError{Msg: fmt.Sprintf("notify age hours must be positive, got %d", *p.NotifyAgeHours)}
	}
	if p.Proxies != nil {
		for _, raw := range *p.Proxies {
			if _, err := url.Parse(raw); err != nil {
				return &ValidationError{Msg: fmt.Sprintf("invalid proxy %q: %v", raw, err)}
			}
		}
	}
	for _, u := range []*string{p.DiscordWebhookURL, p.WebhookURL} {
		if u == nil || *u == "" {
			continue
		}
		if parsed, err := url.Parse(*u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return &ValidationError{Msg: fmt.Sprintf("invalid webhook url %q", *u)}
		}
	}
	return nil
}

// Apply returns a copy of s with the present fields of p merged in. Slices
// and maps are copied so the result never aliases the patch.
func (p Patch) Apply(s Snapshot) Snapshot {
	out := s
	out.Scraper.Identities = slices.Clone(s.Scraper.Identities)
	out.Scraper.Proxies = slices.Clone(s.Scraper.Proxies)
	out.Scraper.Headers = maps.Clone(s.Scraper.Headers)
	out.Filter.BannedWords = slices.Clone(s.Filter.BannedWords)
	out.Filter.BannedSellers = slices.Clone(s.Filter.BannedSellers)

	if p.Identities != nil {
		if ids := slices.Clone(*p.Identities); len(ids) > 0 {
			out.Scraper.Identities = ids
		} else {
			out.Scraper.Identities = []string{DefaultUserAgent}
		}
	}
	setIf(&out.Scraper.IdentityRotation, p.IdentityRotation)
	if p.Proxies != nil {
		out.Scraper.Proxies = slices.Clone(*p.Proxies)
	}
	setIf(&out.Scraper.ProxiesEnabled, p.ProxiesEnabled)
	setIf(&out.Scraper.ProxyRotation, p.ProxyRotation)
	setIf(&out.Scraper.MaxItemsPerRun, p.MaxItemsPerRun)
	setIf(&out.Scraper.Domain, p.Domain)
	setIf(&out.Scraper.AcceptLanguage, p.AcceptLanguage)
	if len(p.Headers) > 0 {
		if out.Scraper.Headers == nil {
			out.Scraper.Headers = make(map[string]string, len(p.Headers))
		}
		maps.Copy(out.Scraper.Headers, p.Headers)
	}

	setIf(&out.Filter.MinPrice, p.MinPrice)
	if p.BannedWords != nil {
		out.Filter.BannedWords = NormalizeTerms(*p.BannedWords)
	}
	if p.BannedSellers != nil {
		out.Filter.BannedSellers = NormalizeTerms(*p.BannedSellers)
	}

	setIf(&out.Alert.Enabled, p.AlertEnabled)
	setIf(&out.Alert.Threshold, p.AlertThreshold)

	setIf(&out.Retention.MaxAgeDays, p.MaxAgeDays)
	setIf(&out.Retention.MaxStoreSize, p.MaxStoreSize)
	setIf(&out.Retention.NotifyAgeHours, p.NotifyAgeHours)

	setIf(&out.Channels.TelegramToken, p.TelegramToken)
	setIf(&out.Channels.TelegramChatID, p.TelegramChatID)
	setIf(&out.Channels.DiscordWebhookURL, p.DiscordWebhookURL)
	setIf(&out.Channels.WebhookURL, p.WebhookURL)
	setIf(&out.Channels.RedisEvents, p.RedisEvents)

	return out
}

// Merge layers other on top of p; fields present in other win.
func (p Patch) Merge(other Patch) Patch {
	out := p
	mergeIf(&out.Identities, other.Identities)
	mergeIf(&out.IdentityRotation, other.IdentityRotation)
	mergeIf(&out.Proxies, other.Proxies)
	mergeIf(&out.ProxiesEnabled, other.ProxiesEnabled)
	mergeIf(&out.ProxyRotation, other.ProxyRotation)
	mergeIf(&out.MaxItemsPerRun, other.MaxItemsPerRun)
	mergeIf(&out.Domain, other.Domain)
	mergeIf(&out.AcceptLanguage, other.AcceptLanguage)
	if len(other.Headers) > 0 {
		out.Headers = maps.Clone(p.Headers)
		if out.Headers == nil {
			out.Headers = make(map[string]string, len(other.Headers))
		}
		maps.Copy(out.Headers, other.Headers)
	}
	mergeIf(&out.MinPrice, other.MinPrice)
	mergeIf(&out.BannedWords, other.BannedWords)
	mergeIf(&out.BannedSellers, other.BannedSellers)
	mergeIf(&out.AlertEnabled, other.AlertEnabled)
	mergeIf(&out.AlertThreshold, other.AlertThreshold)
	mergeIf(&out.MaxAgeDays, other.MaxAgeDays)
	mergeIf(&out.MaxStoreSize, other.MaxStoreSize)
	mergeIf(&out.NotifyAgeHours, other.NotifyAgeHours)
	mergeIf(&out.TelegramToken, other.TelegramToken)
	mergeIf(&out.TelegramChatID, other.TelegramChatID)
	mergeIf(&out.DiscordWebhookURL, other.DiscordWebhookURL)
	mergeIf(&out.WebhookURL, other.WebhookURL)
	mergeIf(&out.RedisEvents, other.RedisEvents)
	return out
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func mergeIf[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}
