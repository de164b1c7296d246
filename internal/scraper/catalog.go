package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
)

const (
	maxPerPage      = 96 // marketplace API hard limit
	maxCatalogPages = 5
	defaultOrder    = "newest_first"
)

// rawArrayParams maps the bracketed array keys of a catalog URL copied from
// the marketplace UI to the parameter names the API expects.
var rawArrayParams = map[string]string{
	"catalog[]":                 "catalog_ids",
	"video_game_platform_ids[]": "video_game_platform_ids",
	"color_ids[]":               "color_ids",
	"brand_ids[]":               "brand_ids",
	"size_ids[]":                "size_ids",
	"material_ids[]":            "material_ids",
	"status_ids[]":              "status_ids",
	"country_ids[]":             "country_ids",
	"city_ids[]":                "city_ids",
	"disposal[]":                "is_for_swap",
}

// CatalogParams builds the query for one catalog page of search.
func CatalogParams(search model.Search, page, perPage int) (url.Values, error) {
	params := url.Values{}

	if raw := strings.TrimSpace(search.RawQuery); raw != "" {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			raw = raw[i+1:]
		}
		parsed, err := url.ParseQuery(raw)
		if err != nil {
			return nil, fmt.Errorf("parse raw query: %w", err)
		}
		for key, values := range parsed {
			if apiKey, ok := rawArrayParams[key]; ok {
				params.Set(apiKey, strings.Join(values, ","))
				continue
			}
			if len(values) > 0 {
				params.Set(key, values[len(values)-1])
			}
		}
	} else {
		if search.SearchText != "" {
			params.Set("search_text", search.SearchText)
		}
		if search.PriceFrom != nil {
			params.Set("price_from", formatPrice(*search.PriceFrom))
		}
		if search.PriceTo != nil {
			params.Set("price_to", formatPrice(*search.PriceTo))
		}
		order := search.Order
		if order == "" {
			order = defaultOrder
		}
		params.Set("order", order)

		setIDs(params, "catalog_ids", search.CatalogIDs)
		setIDs(params, "brand_ids", search.BrandIDs)
		setIDs(params, "size_ids", search.SizeIDs)
		setIDs(params, "color_ids", search.ColorIDs)
		setIDs(params, "material_ids", search.MaterialIDs)
		setIDs(params, "status_ids", search.StatusIDs)
		setIDs(params, "country_ids", search.CountryIDs)
		setIDs(params, "city_ids", search.CityIDs)
	}

	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	return params, nil
}

func setIDs(params url.Values, key string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	params.Set(key, strings.Join(parts, ","))
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// FetchCatalog pages through the catalog until limit items are collected,
// the source runs dry, or the page cap is reached. Items come back in the
// order the API returned them (newest first by default).
func (c *Client) FetchCatalog(ctx context.Context, search model.Search, limit int) ([]model.CandidateItem, error) {
	if limit < 1 {
		return nil, nil
	}
	perPage := min(limit, maxPerPage)
	endpoint := c.baseURL + "api/v2/catalog/items"

	seen := make(map[string]struct{}, limit)
	items := make([]model.CandidateItem, 0, limit)

	for page := 1; page <= maxCatalogPages && len(items) < limit; page++ {
		params, err := CatalogParams(search, page, perPage)
		if err != nil {
			return nil, err
		}

		body, err := c.Get(ctx, endpoint, params)
		if err != nil {
			return nil, fmt.Errorf("catalog page %d: %w", page, err)
		}

		batch, raw, err := c.decodeCatalog(body)
		if err != nil {
			return nil, fmt.Errorf("catalog page %d: %w", page, err)
		}
		for _, it := range batch {
			if _, dup := seen[it.ExternalID]; dup {
				continue
			}
			seen[it.ExternalID] = struct{}{}
			items = append(items, it)
		}
		if raw < perPage {
			break // last page
		}
	}

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// catalogResponse keeps items raw so one malformed entry cannot fail the page.
type catalogResponse struct {
	Items []json.RawMessage `json:"items"`
}

type catalogItem struct {
	ID          json.Number  `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Price       catalogPrice `json:"price"`
	BrandTitle  string       `json:"brand_title"`
	SizeTitle   string       `json:"size_title"`
	Status      string       `json:"status"`
	URL         string       `json:"url"`
	Photo       *struct {
		URL string `json:"url"`
	} `json:"photo"`
	User *struct {
		ID           json.Number `json:"id"`
		Login        string      `json:"login"`
		CountryTitle string      `json:"country_title"`
	} `json:"user"`
}

// catalogPrice accepts both {"amount":"12.0","currency_code":"EUR"} and a
// bare number or numeric string.
type catalogPrice struct {
	Amount       json.Number `json:"amount"`
	CurrencyCode string      `json:"currency_code"`
}

func (p *catalogPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		type plain catalogPrice
		return json.Unmarshal(data, (*plain)(p))
	}
	return json.Unmarshal(data, &p.Amount)
}

func (c *Client) decodeCatalog(body []byte) ([]model.CandidateItem, int, error) {
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("json unmarshal: %w", err)
	}

	out := make([]model.CandidateItem, 0, len(resp.Items))
	for i, raw := range resp.Items {
		item, err := mapCatalogItem(raw)
		if err != nil {
			c.log.Warn("skipping unmappable catalog item", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out, len(resp.Items), nil
}

func mapCatalogItem(raw json.RawMessage) (model.CandidateItem, error) {
	var it catalogItem
	if err := json.Unmarshal(raw, &it); err != nil {
		return model.CandidateItem{}, err
	}
	if it.ID.String() == "" {
		return model.CandidateItem{}, fmt.Errorf("item has no id")
	}

	var price float64
	if it.Price.Amount != "" {
		p, err := it.Price.Amount.Float64()
		if err != nil {
			return model.CandidateItem{}, fmt.Errorf("item %s price: %w", it.ID, err)
		}
		price = p
	}
	currency := it.Price.CurrencyCode
	if currency == "" {
		currency = "EUR"
	}

	item := model.CandidateItem{
		ExternalID:  it.ID.String(),
		Title:       it.Title,
		Description: it.Description,
		Price:       price,
		Currency:    currency,
		Brand:       it.BrandTitle,
		Size:        it.SizeTitle,
		Condition:   it.Status,
		URL:         it.URL,
	}
	if it.Photo != nil {
		item.PhotoURL = it.Photo.URL
	}
	if it.User != nil {
		item.SellerID = it.User.ID.String()
		item.SellerLogin = it.User.Login
		item.SellerCountry = it.User.CountryTitle
	}
	return item, nil
}
