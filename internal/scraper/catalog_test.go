package scraper_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/scraper"
)

func ptr[T any](v T) *T { return &v }

// ── Query building ─────────────────────────────────────────────────────────

func TestCatalogParams_Structured(t *testing.T) {
	search := model.Search{
		SearchText: "nike air",
		PriceFrom:  ptr(10.0),
		PriceTo:    ptr(49.5),
		CatalogIDs: []int64{1206, 79},
		BrandIDs:   []int64{53},
	}

	params, err := scraper.CatalogParams(search, 2, 48)
	require.NoError(t, err)

	assert.Equal(t, "nike air", params.Get("search_text"))
	assert.Equal(t, "10", params.Get("price_from"))
	assert.Equal(t, "49.5", params.Get("price_to"))
	assert.Equal(t, "newest_first", params.Get("order"))
	assert.Equal(t, "1206,79", params.Get("catalog_ids"))
	assert.Equal(t, "53", params.Get("brand_ids"))
	assert.Equal(t, "2", params.Get("page"))
	assert.Equal(t, "48", params.Get("per_page"))
	assert.False(t, params.Has("size_ids"))
}

func TestCatalogParams_RawQueryWins(t *testing.T) {
	search := model.Search{
		RawQuery:   "https://www.example.test/catalog?search_text=jacket&catalog[]=5&catalog[]=7&brand_ids[]=9&order=price_low_to_high",
		SearchText: "ignored",
	}

	params, err := scraper.CatalogParams(search, 1, 96)
	require.NoError(t, err)

	assert.Equal(t, "jacket", params.Get("search_text"))
	assert.Equal(t, "5,7", params.Get("catalog_ids"))
	assert.Equal(t, "9", params.Get("brand_ids"))
	assert.Equal(t, "price_low_to_high", params.Get("order"))
	assert.False(t, params.Has("catalog[]"))
	assert.Equal(t, "1", params.Get("page"))
}

func TestCatalogParams_BadRawQuery(t *testing.T) {
	_, err := scraper.CatalogParams(model.Search{RawQuery: "a=%zz"}, 1, 10)
	assert.Error(t, err)
}

// ── Fetching ───────────────────────────────────────────────────────────────

func TestFetchCatalog_PagesDedupsAndSkipsMalformed(t *testing.T) {
	pages := map[string]string{
		"1": `{"items":[
			{"id":1,"title":"first","price":{"amount":"12.0","currency_code":"EUR"},"user":{"id":10,"login":"anna","country_title":"Spain"}},
			{"title":"no id"},
			{"id":2,"title":"second","price":"7.5","photo":{"url":"https://img/2.jpg"}}
		]}`,
		"2": `{"items":[
			{"id":2,"title":"second again","price":7.5},
			{"id":3,"title":"third","price":3},
			{"id":4,"title":"fourth","price":4}
		]}`,
	}
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/catalog/items", r.URL.Path)
		page := r.URL.Query().Get("page")
		requested = append(requested, page)
		assert.Equal(t, "3", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(pages[page]))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1, scraperSettings("ua-1"))
	items, err := c.FetchCatalog(context.Background(), model.Search{SearchText: "x"}, 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, requested)
	require.Len(t, items, 3)
	assert.Equal(t, "1", items[0].ExternalID)
	assert.Equal(t, "2", items[1].ExternalID)
	assert.Equal(t, "second", items[1].Title)
	assert.Equal(t, "3", items[2].ExternalID)

	assert.Equal(t, 12.0, items[0].Price)
	assert.Equal(t, "EUR", items[0].Currency)
	assert.Equal(t, "10", items[0].SellerID)
	assert.Equal(t, "anna", items[0].SellerLogin)
	assert.Equal(t, "Spain", items[0].SellerCountry)

	assert.Equal(t, 7.5, items[1].Price)
	assert.Equal(t, "EUR", items[1].Currency)
	assert.Equal(t, "https://img/2.jpg", items[1].PhotoURL)
}

func TestFetchCatalog_ShortPageStops(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"items":[{"id":1,"price":1}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1, scraperSettings("ua-1"))
	items, err := c.FetchCatalog(context.Background(), model.Search{}, 50)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, calls)
}

func TestFetchCatalog_ErrorNamesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1, scraperSettings("ua-1"))
	_, err := c.FetchCatalog(context.Background(), model.Search{}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog page 1")

	var rf *scraper.RequestFailedError
	assert.ErrorAs(t, err, &rf)
}

func TestFetchCatalog_ZeroLimit(t *testing.T) {
	c := newTestClient(t, "http://unused.test", 1, scraperSettings("ua-1"))
	items, err := c.FetchCatalog(context.Background(), model.Search{}, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}
