// Package scraper implements catalog fetching, filtering and ingestion.
package scraper

import (
	"fmt"
	"slices"
	"strings"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/settings"
)

// Rejection reason keys. Reasons that name a term append ":<term>".
const (
	ReasonPriceBelowMin     = "price_below_min"
	ReasonBannedWord        = "banned_word"
	ReasonBannedSeller      = "banned_seller"
	ReasonCountryNotAllowed = "country_not_allowed"
)

// Verdict is the outcome of the filter chain for one item.
type Verdict struct {
	Accepted bool
	Reason   string // empty when accepted
}

// Stats summarises a batch evaluation.
type Stats struct {
	Total    int
	Accepted int
	Rejected int
	Reasons  map[string]int
}

// Filter applies global and per-search rules in a fixed order; the first
// failing rule decides the reason. It holds no state beyond its rules.
type Filter struct {
	minPrice         float64
	bannedWords      []string
	bannedSellers    []string
	searchWords      []string
	searchSellerIDs  []string
	allowedCountries []string
}

// NewFilter builds the chain for one search run.
func NewFilter(global settings.Filter, search model.Search) *Filter {
	return &Filter{
		minPrice:         global.MinPrice,
		bannedWords:      settings.NormalizeTerms(global.BannedWords),
		bannedSellers:    settings.NormalizeTerms(global.BannedSellers),
		searchWords:      settings.NormalizeTerms(search.BannedWords),
		searchSellerIDs:  search.BannedSellerIDs,
		allowedCountries: search.AllowedCountries,
	}
}

// Evaluate runs the chain against one item.
func (f *Filter) Evaluate(item model.CandidateItem) Verdict {
	if f.minPrice > 0 && item.Price < f.minPrice {
		return reject(ReasonPriceBelowMin)
	}

	text := strings.ToLower(item.Title + " " + item.Description)
	if w, ok := firstContained(text, f.bannedWords); ok {
		return reject(fmt.Sprintf("%s:%s", ReasonBannedWord, w))
	}

	if item.SellerLogin != "" && len(f.bannedSellers) > 0 {
		login := strings.ToLower(item.SellerLogin)
		id := strings.ToLower(item.SellerID)
		for _, banned := range f.bannedSellers {
			if strings.Contains(login, banned) || banned == id {
				return reject(fmt.Sprintf("%s:%s", ReasonBannedSeller, banned))
			}
		}
	}

	if w, ok := firstContained(text, f.searchWords); ok {
		return reject(fmt.Sprintf("%s:%s", ReasonBannedWord, w))
	}

	if item.SellerID != "" && slices.Contains(f.searchSellerIDs, item.SellerID) {
		return reject(fmt.Sprintf("%s:%s", ReasonBannedSeller, item.SellerID))
	}

	if len(f.allowedCountries) > 0 && item.SellerCountry != "" {
		allowed := slices.ContainsFunc(f.allowedCountries, func(c string) bool {
			return strings.EqualFold(strings.TrimSpace(c), item.SellerCountry)
		})
		if !allowed {
			return reject(fmt.Sprintf("%s:%s", ReasonCountryNotAllowed, item.SellerCountry))
		}
	}

	return Verdict{Accepted: true}
}

// EvaluateAll filters items, keeping input order among accepted ones.
func (f *Filter) EvaluateAll(items []model.CandidateItem) ([]model.CandidateItem, Stats) {
	stats := Stats{Total: len(items), Reasons: map[string]int{}}
	accepted := make([]model.CandidateItem, 0, len(items))
	for _, it := range items {
		v := f.Evaluate(it)
		if v.Accepted {
			accepted = append(accepted, it)
			continue
		}
		stats.Reasons[v.Reason]++
	}
	stats.Accepted = len(accepted)
	stats.Rejected = stats.Total - stats.Accepted
	return accepted, stats
}

func reject(reason string) Verdict { return Verdict{Reason: reason} }

func firstContained(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return t, true
		}
	}
	return "", false
}
