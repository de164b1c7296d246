package scraper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/notify"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

// Fetcher is the remote side of the pipeline. *Client implements it.
type Fetcher interface {
	FetchCatalog(ctx context.Context, search model.Search, limit int) ([]model.CandidateItem, error)
	FetchSeller(ctx context.Context, sellerID string) (model.Seller, error)
}

// Store is the persistence the pipeline needs.
type Store interface {
	GetSeller(ctx context.Context, externalID string) (model.Seller, error)
	UpsertSeller(ctx context.Context, s model.Seller) (model.Seller, bool, error)
	InsertItem(ctx context.Context, item model.Item) (model.Item, bool, error)
}

// Notifier delivers freshly stored items.
type Notifier interface {
	DeliverBatch(ctx context.Context, items []model.Item, search model.Search) notify.BatchResult
}

// Worker runs the scrape pipeline for a single search: fetch, filter,
// refresh sellers, persist new items and notify.
type Worker struct {
	store      Store
	notifier   Notifier
	freshness  time.Duration
	log        *zap.Logger
	now        func() time.Time
	newFetcher func(cfg settings.Scraper) (Fetcher, error)
}

// NewWorker constructs a Worker. Every run gets its own Client built from
// opts and the run's settings snapshot.
func NewWorker(st Store, notifier Notifier, opts ClientOptions, freshness time.Duration, log *zap.Logger) *Worker {
	log = log.Named("worker")
	return &Worker{
		store:     st,
		notifier:  notifier,
		freshness: freshness,
		log:       log,
		now:       time.Now,
		newFetcher: func(cfg settings.Scraper) (Fetcher, error) {
			return NewClient(opts, cfg, log)
		},
	}
}

// Run executes one pipeline pass. A fetch or persistence failure aborts the
// run and is returned; seller and notification failures are logged and
// only show up in the metrics. Finding nothing is a success.
func (w *Worker) Run(ctx context.Context, search model.Search, snap settings.Snapshot) (model.RunMetrics, error) {
	log := w.log.With(zap.Int64("search_id", search.ID), zap.String("search", search.Name))
	var metrics model.RunMetrics

	fetcher, err := w.newFetcher(snap.Scraper)
	if err != nil {
		return metrics, fmt.Errorf("build client: %w", err)
	}

	limit := snap.Scraper.MaxItemsPerRun
	candidates, err := fetcher.FetchCatalog(ctx, search, limit)
	if err != nil {
		return metrics, fmt.Errorf("fetch catalog: %w", err)
	}

	// Oldest first, so found_at follows listing order.
	slices.Reverse(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	metrics.Seen = len(candidates)

	// ── Filter chain ───────────────────────────────────
	accepted, stats := NewFilter(snap.Filter, search).EvaluateAll(candidates)
	metrics.Rejected = stats.Rejected
	if len(stats.Reasons) > 0 {
		metrics.RejectReasons = stats.Reasons
	}

	// ── Seller enrichment ──────────────────────────────
	refs := w.refreshSellers(ctx, fetcher, accepted, &metrics, log)

	// ── Dedup insert ───────────────────────────────────
	fresh := make([]model.Item, 0, len(accepted))
	for _, c := range accepted {
		item := model.Item{CandidateItem: c, SearchID: search.ID, FoundAt: w.now().UTC()}
		if ref, ok := refs[c.SellerID]; ok {
			item.SellerRef = &ref
		}
		stored, inserted, err := w.store.InsertItem(ctx, item)
		if err != nil {
			return metrics, fmt.Errorf("persist item %s: %w", c.ExternalID, err)
		}
		if inserted {
			fresh = append(fresh, stored)
		}
	}
	metrics.New = len(fresh)

	// ── Notify ─────────────────────────────────────────
	if len(fresh) > 0 && w.notifier != nil {
		res := w.notifier.DeliverBatch(ctx, fresh, search)
		metrics.Notified = res.Success
	}

	log.Info("search run complete",
		zap.Int("seen", metrics.Seen),
		zap.Int("rejected", metrics.Rejected),
		zap.Int("new", metrics.New),
		zap.Int("notified", metrics.Notified),
		zap.Int("sellers_new", metrics.SellersNew),
		zap.Int("sellers_updated", metrics.SellersUpdated))
	return metrics, nil
}

// refreshSellers makes sure every seller referenced by items has a cached
// profile no older than the freshness cutoff. It returns the internal id of
// each resolved seller keyed by external id.
func (w *Worker) refreshSellers(
	ctx context.Context,
	fetcher Fetcher,
	items []model.CandidateItem,
	metrics *model.RunMetrics,
	log *zap.Logger,
) map[string]int64 {
	refs := make(map[string]int64)
	var ids []string
	for _, it := range items {
		if it.SellerID == "" || slices.Contains(ids, it.SellerID) {
			continue
		}
		ids = append(ids, it.SellerID)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		now := w.now().UTC()

		existing, err := w.store.GetSeller(ctx, id)
		found := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn("seller lookup failed", zap.String("seller_id", id), zap.Error(err))
			continue
		}
		if found && existing.IsFresh(now, w.freshness) {
			refs[id] = existing.ID
			continue
		}

		profile, err := fetcher.FetchSeller(ctx, id)
		if err != nil {
			log.Warn("seller fetch failed", zap.String("seller_id", id), zap.Error(err))
			if found {
				refs[id] = existing.ID
			}
			continue
		}
		profile.LastUpdatedAt = now

		saved, created, err := w.store.UpsertSeller(ctx, profile)
		if err != nil {
			log.Warn("seller upsert failed", zap.String("seller_id", id), zap.Error(err))
			continue
		}
		refs[id] = saved.ID
		if created {
			metrics.SellersNew++
		} else {
			metrics.SellersUpdated++
		}
	}
	return refs
}
