package scraper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/notify"
	"marketwatch/watcher-service/internal/scraper"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

// ── Fakes ──────────────────────────────────────────────────────────────────

type fakeFetcher struct {
	mu          sync.Mutex
	items       []model.CandidateItem
	sellers     map[string]model.Seller
	catalogErr  error
	sellerCalls []string
}

func (f *fakeFetcher) FetchCatalog(_ context.Context, _ model.Search, limit int) ([]model.CandidateItem, error) {
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	out := append([]model.CandidateItem(nil), f.items...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFetcher) FetchSeller(_ context.Context, id string) (model.Seller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sellerCalls = append(f.sellerCalls, id)
	s, ok := f.sellers[id]
	if !ok {
		return model.Seller{}, scraper.ErrSellerNotFound
	}
	return s, nil
}

type fakeNotifier struct {
	batches [][]model.Item
}

func (n *fakeNotifier) DeliverBatch(_ context.Context, items []model.Item, _ model.Search) notify.BatchResult {
	n.batches = append(n.batches, items)
	return notify.BatchResult{Total: len(items), Success: len(items)}
}

// failingStore accepts failAfter inserts, then errors.
type failingStore struct {
	*store.Memory
	failAfter int
	inserts   int
}

func (s *failingStore) InsertItem(ctx context.Context, item model.Item) (model.Item, bool, error) {
	if s.inserts >= s.failAfter {
		return model.Item{}, false, errors.New("connection reset")
	}
	s.inserts++
	return s.Memory.InsertItem(ctx, item)
}

type workerFixture struct {
	store    *store.Memory
	fetcher  *fakeFetcher
	notifier *fakeNotifier
	worker   *scraper.Worker
	now      time.Time
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	fx := &workerFixture{
		store:    store.NewMemory(),
		fetcher:  &fakeFetcher{sellers: map[string]model.Seller{}},
		notifier: &fakeNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.worker = scraper.NewWorker(fx.store, fx.notifier, scraper.ClientOptions{}, 24*time.Hour, zap.NewNop())
	fx.worker.SetFetcher(fx.fetcher)
	fx.worker.SetNow(func() time.Time { return fx.now })
	return fx
}

func snapshot() settings.Snapshot {
	s := settings.Defaults()
	s.Scraper.MaxItemsPerRun = 10
	return s
}

func sellerItem(id, sellerID string, price float64) model.CandidateItem {
	return model.CandidateItem{ExternalID: id, Title: "item " + id, Price: price, Currency: "EUR", SellerID: sellerID, SellerLogin: "login" + sellerID}
}

var testSearch = model.Search{ID: 7, Name: "jackets", Active: true, IntervalMinutes: 5}

// ── Pipeline ───────────────────────────────────────────────────────────────

func TestWorkerRun_InsertsOldestFirstAndNotifies(t *testing.T) {
	fx := newWorkerFixture(t)
	// API order is newest first.
	fx.fetcher.items = []model.CandidateItem{sellerItem("c", "", 3), sellerItem("b", "", 2), sellerItem("a", "", 1)}

	m, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.NoError(t, err)

	assert.Equal(t, 3, m.Seen)
	assert.Equal(t, 3, m.New)
	assert.Equal(t, 3, m.Notified)

	stored := fx.store.Items()
	require.Len(t, stored, 3)
	assert.Equal(t, "a", stored[0].ExternalID)
	assert.Equal(t, "c", stored[2].ExternalID)
	assert.Equal(t, int64(7), stored[0].SearchID)
	assert.Equal(t, fx.now, stored[0].FoundAt)

	require.Len(t, fx.notifier.batches, 1)
	assert.Len(t, fx.notifier.batches[0], 3)
}

func TestWorkerRun_SecondRunFindsNothingNew(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.items = []model.CandidateItem{sellerItem("a", "", 1), sellerItem("b", "", 2)}

	_, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.NoError(t, err)

	m, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Seen)
	assert.Zero(t, m.New)
	assert.Zero(t, m.Notified)
	assert.Len(t, fx.notifier.batches, 1)
	assert.Len(t, fx.store.Items(), 2)
}

func TestWorkerRun_FiltersBeforeStoring(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.items = []model.CandidateItem{sellerItem("a", "", 1), sellerItem("b", "", 50)}
	snap := snapshot()
	snap.Filter.MinPrice = 20

	m, err := fx.worker.Run(context.Background(), testSearch, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Rejected)
	assert.Equal(t, map[string]int{"price_below_min": 1}, m.RejectReasons)
	assert.Equal(t, 1, m.New)
}

func TestWorkerRun_FetchErrorAborts(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.catalogErr = errors.New("boom")

	_, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch catalog")
	assert.Empty(t, fx.store.Items())
}

func TestWorkerRun_EmptyCatalogIsSuccess(t *testing.T) {
	fx := newWorkerFixture(t)
	m, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.NoError(t, err)
	assert.Zero(t, m.Seen)
	assert.Empty(t, fx.notifier.batches)
}

func TestWorkerRun_PersistenceFaultAborts(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory(), failAfter: 1}
	fetcher := &fakeFetcher{
		sellers: map[string]model.Seller{},
		items:   []model.CandidateItem{sellerItem("b", "", 30), sellerItem("a", "", 20), sellerItem("x", "", 1)},
	}
	notifier := &fakeNotifier{}
	w := scraper.NewWorker(st, notifier, scraper.ClientOptions{}, 24*time.Hour, zap.NewNop())
	w.SetFetcher(fetcher)
	snap := snapshot()
	snap.Filter.MinPrice = 10

	m, err := w.Run(context.Background(), testSearch, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist item b")
	assert.Contains(t, err.Error(), "connection reset")

	assert.Equal(t, 3, m.Seen)
	assert.Equal(t, 1, m.Rejected)
	assert.Zero(t, m.New)
	assert.Zero(t, m.Notified)
	assert.Empty(t, notifier.batches)
	require.Len(t, st.Items(), 1)
	assert.Equal(t, "a", st.Items()[0].ExternalID)
}

func TestWorkerRun_TimestampsAreUTC(t *testing.T) {
	fx := newWorkerFixture(t)
	local := time.FixedZone("UTC+2", 2*60*60)
	fx.worker.SetNow(func() time.Time { return fx.now.In(local) })
	fx.fetcher.sellers["s1"] = model.Seller{ExternalID: "s1", Login: "anna"}
	fx.fetcher.items = []model.CandidateItem{sellerItem("a", "s1", 5)}

	_, err := fx.worker.Run(context.Background(), testSearch, snapshot())
	require.NoError(t, err)

	items := fx.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, time.UTC, items[0].FoundAt.Location())
	assert.True(t, items[0].FoundAt.Equal(fx.now))

	s1, err := fx.store.GetSeller(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, s1.LastUpdatedAt.Location())
}

// ── Seller cache ───────────────────────────────────────────────────────────

func TestWorkerRun_SellerFreshness(t *testing.T) {
	ctx := context.Background()
	fx := newWorkerFixture(t)

	_, _, err := fx.store.UpsertSeller(ctx, model.Seller{ExternalID: "fresh", Login: "old", LastUpdatedAt: fx.now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	staleFirstSeen := fx.now.Add(-25 * time.Hour)
	_, _, err = fx.store.UpsertSeller(ctx, model.Seller{ExternalID: "stale", Login: "old", LastUpdatedAt: staleFirstSeen})
	require.NoError(t, err)

	fx.fetcher.sellers["fresh"] = model.Seller{ExternalID: "fresh", Login: "new"}
	fx.fetcher.sellers["stale"] = model.Seller{ExternalID: "stale", Login: "new", ItemCount: 9}
	fx.fetcher.items = []model.CandidateItem{sellerItem("1", "fresh", 5), sellerItem("2", "stale", 5)}

	m, err := fx.worker.Run(ctx, testSearch, snapshot())
	require.NoError(t, err)

	assert.Equal(t, []string{"stale"}, fx.fetcher.sellerCalls)
	assert.Equal(t, 1, m.SellersUpdated)
	assert.Zero(t, m.SellersNew)

	fresh, err := fx.store.GetSeller(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "old", fresh.Login)

	stale, err := fx.store.GetSeller(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, "new", stale.Login)
	assert.Equal(t, 9, stale.ItemCount)
	assert.Equal(t, fx.now, stale.LastUpdatedAt)
	assert.Equal(t, staleFirstSeen, stale.FirstSeenAt)

	for _, it := range fx.store.Items() {
		require.NotNil(t, it.SellerRef)
	}
}

func TestWorkerRun_NewSellerAndFetchFailure(t *testing.T) {
	ctx := context.Background()
	fx := newWorkerFixture(t)
	fx.fetcher.sellers["s1"] = model.Seller{ExternalID: "s1", Login: "anna"}
	fx.fetcher.items = []model.CandidateItem{
		sellerItem("1", "s1", 5),
		sellerItem("2", "s1", 6),
		sellerItem("3", "gone", 7),
	}

	m, err := fx.worker.Run(ctx, testSearch, snapshot())
	require.NoError(t, err)

	assert.Equal(t, 1, m.SellersNew)
	assert.Equal(t, 3, m.New)
	assert.ElementsMatch(t, []string{"s1", "gone"}, fx.fetcher.sellerCalls)

	s1, err := fx.store.GetSeller(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, fx.now, s1.FirstSeenAt)

	byID := map[string]model.Item{}
	for _, it := range fx.store.Items() {
		byID[it.ExternalID] = it
	}
	require.NotNil(t, byID["1"].SellerRef)
	assert.Equal(t, s1.ID, *byID["1"].SellerRef)
	assert.Nil(t, byID["3"].SellerRef)
}
