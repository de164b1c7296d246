package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/settings"
)

// DBTX is the subset of pgxpool.Pool the store uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements the store on top of a pgx pool.
type Postgres struct {
	db DBTX
}

// NewPostgres returns a Postgres store.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// ─── Searches ────────────────────────────────────────────────────────────────

const searchColumns = `
	id, name, COALESCE(raw_query, ''), COALESCE(search_text, ''),
	catalog_ids, brand_ids, size_ids, color_ids, material_ids, status_ids,
	country_ids, city_ids, price_from, price_to, COALESCE(order_by, ''),
	interval_minutes, is_active, banned_words, banned_seller_ids, allowed_countries,
	last_run_at, last_success_at`

func scanSearch(row pgx.Row) (model.Search, error) {
	var s model.Search
	err := row.Scan(
		&s.ID, &s.Name, &s.RawQuery, &s.SearchText,
		&s.CatalogIDs, &s.BrandIDs, &s.SizeIDs, &s.ColorIDs, &s.MaterialIDs, &s.StatusIDs,
		&s.CountryIDs, &s.CityIDs, &s.PriceFrom, &s.PriceTo, &s.Order,
		&s.IntervalMinutes, &s.Active, &s.BannedWords, &s.BannedSellerIDs, &s.AllowedCountries,
		&s.LastRunAt, &s.LastSuccessAt,
	)
	return s, err
}

// GetSearch loads one search by id.
func (p *Postgres) GetSearch(ctx context.Context, id int64) (model.Search, error) {
	s, err := scanSearch(p.db.QueryRow(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Search{}, ErrNotFound
	}
	if err != nil {
		return model.Search{}, fmt.Errorf("getSearch: %w", err)
	}
	return s, nil
}

// ListActiveSearches returns every active search ordered by id.
func (p *Postgres) ListActiveSearches(ctx context.Context) ([]model.Search, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+searchColumns+` FROM searches WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listActiveSearches query: %w", err)
	}
	defer rows.Close()

	searches := make([]model.Search, 0)
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("listActiveSearches scan: %w", err)
		}
		searches = append(searches, s)
	}
	return searches, rows.Err()
}

// TouchSearch updates last_run_at, and last_success_at when t.Success.
func (p *Postgres) TouchSearch(ctx context.Context, t SearchTouch) error {
	_, err := p.db.Exec(ctx,
		`UPDATE searches
		 SET last_run_at = $2,
		     last_success_at = CASE WHEN $3 THEN $2 ELSE last_success_at END
		 WHERE id = $1`,
		t.SearchID, t.RanAt, t.Success,
	)
	if err != nil {
		return fmt.Errorf("touchSearch: %w", err)
	}
	return nil
}

// ─── Sellers ─────────────────────────────────────────────────────────────────

// GetSeller looks a seller up by marketplace id.
func (p *Postgres) GetSeller(ctx context.Context, externalID string) (model.Seller, error) {
	var s model.Seller
	err := p.db.QueryRow(ctx,
		`SELECT id, external_id, login, first_seen_at, last_updated_at
		 FROM sellers WHERE external_id = $1`,
		externalID,
	).Scan(&s.ID, &s.ExternalID, &s.Login, &s.FirstSeenAt, &s.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Seller{}, ErrNotFound
	}
	if err != nil {
		return model.Seller{}, fmt.Errorf("getSeller: %w", err)
	}
	return s, nil
}

// UpsertSeller inserts s or overwrites every mutable column of the existing
// row. first_seen_at is only written on insert. The bool reports whether a
// new row was created.
func (p *Postgres) UpsertSeller(ctx context.Context, s model.Seller) (model.Seller, bool, error) {
	var created bool
	err := p.db.QueryRow(ctx,
		`INSERT INTO sellers (
		   external_id, login, profile_url, country_code, country_title, city,
		   item_count, total_items_count, followers_count, following_count,
		   positive_feedback_count, negative_feedback_count, neutral_feedback_count,
		   feedback_count, feedback_reputation, email_verified, facebook_verified,
		   google_verified, is_business, is_banned, last_logged_on, avg_response_time,
		   photo_url, about, first_seen_at, last_updated_at
		 ) VALUES (
		   $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		   $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $25
		 )
		 ON CONFLICT (external_id) DO UPDATE SET
		   login = EXCLUDED.login,
		   profile_url = EXCLUDED.profile_url,
		   country_code = EXCLUDED.country_code,
		   country_title = EXCLUDED.country_title,
		   city = EXCLUDED.city,
		   item_count = EXCLUDED.item_count,
		   total_items_count = EXCLUDED.total_items_count,
		   followers_count = EXCLUDED.followers_count,
		   following_count = EXCLUDED.following_count,
		   positive_feedback_count = EXCLUDED.positive_feedback_count,
		   negative_feedback_count = EXCLUDED.negative_feedback_count,
		   neutral_feedback_count = EXCLUDED.neutral_feedback_count,
		   feedback_count = EXCLUDED.feedback_count,
		   feedback_reputation = EXCLUDED.feedback_reputation,
		   email_verified = EXCLUDED.email_verified,
		   facebook_verified = EXCLUDED.facebook_verified,
		   google_verified = EXCLUDED.google_verified,
		   is_business = EXCLUDED.is_business,
		   is_banned = EXCLUDED.is_banned,
		   last_logged_on = EXCLUDED.last_logged_on,
		   avg_response_time = EXCLUDED.avg_response_time,
		   photo_url = EXCLUDED.photo_url,
		   about = EXCLUDED.about,
		   last_updated_at = EXCLUDED.last_updated_at
		 RETURNING id, first_seen_at, (xmax = 0)`,
		s.ExternalID, s.Login, s.ProfileURL, s.CountryCode, s.CountryTitle, s.City,
		s.ItemCount, s.TotalItemsCount, s.FollowersCount, s.FollowingCount,
		s.PositiveFeedback, s.NegativeFeedback, s.NeutralFeedback,
		s.FeedbackCount, s.Reputation, s.EmailVerified, s.FacebookVerified,
		s.GoogleVerified, s.Business, s.Banned, s.LastSeenAt, s.AvgResponseTime,
		s.PhotoURL, s.About, s.LastUpdatedAt,
	).Scan(&s.ID, &s.FirstSeenAt, &created)
	if err != nil {
		return model.Seller{}, false, fmt.Errorf("upsertSeller: %w", err)
	}
	return s, created, nil
}

// ─── Items ───────────────────────────────────────────────────────────────────

// InsertItem stores item unless its external id is already known. A
// conflict is not an error: the bool is false and the input is returned.
func (p *Postgres) InsertItem(ctx context.Context, item model.Item) (model.Item, bool, error) {
	err := p.db.QueryRow(ctx,
		`INSERT INTO items (
		   external_id, search_id, seller_ref, title, description, price, currency,
		   brand, size, condition, url, photo_url, seller_external_id, seller_login,
		   seller_country, found_at, delivered
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, false)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING id`,
		item.ExternalID, item.SearchID, item.SellerRef, item.Title, item.Description,
		item.Price, item.Currency, item.Brand, item.Size, item.Condition, item.URL,
		item.PhotoURL, item.SellerID, item.SellerLogin, item.SellerCountry, item.FoundAt,
	).Scan(&item.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return item, false, nil
	}
	if err != nil {
		return model.Item{}, false, fmt.Errorf("insertItem: %w", err)
	}
	return item, true, nil
}

// MarkDelivered flags one item as delivered. Already-delivered items are
// left untouched.
func (p *Postgres) MarkDelivered(ctx context.Context, itemID int64) error {
	_, err := p.db.Exec(ctx,
		`UPDATE items SET delivered = true WHERE id = $1 AND delivered = false`, itemID)
	if err != nil {
		return fmt.Errorf("markDelivered: %w", err)
	}
	return nil
}

// CountItems returns the number of stored items.
func (p *Postgres) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT count(*) FROM items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("countItems: %w", err)
	}
	return n, nil
}

// DeleteItemsOlderThan removes up to limit items found before cutoff.
func (p *Postgres) DeleteItemsOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM items WHERE id IN (
		   SELECT id FROM items WHERE found_at < $1 ORDER BY id LIMIT $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("deleteItemsOlderThan: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteOldestItems removes the n oldest items.
func (p *Postgres) DeleteOldestItems(ctx context.Context, n int) (int, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM items WHERE id IN (
		   SELECT id FROM items ORDER BY found_at, id LIMIT $1
		 )`,
		n,
	)
	if err != nil {
		return 0, fmt.Errorf("deleteOldestItems: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkDeliveredOlderThan flags up to limit undelivered items found before
// cutoff as delivered.
func (p *Postgres) MarkDeliveredOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE items SET delivered = true WHERE id IN (
		   SELECT id FROM items WHERE delivered = false AND found_at < $1 ORDER BY id LIMIT $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("markDeliveredOlderThan: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LogNotification records one delivery attempt.
func (p *Postgres) LogNotification(ctx context.Context, n model.NotificationLog) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO notifications (item_id, channel, success, error, sent_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		n.ItemID, n.Channel, n.Success, n.Error, n.SentAt,
	)
	if err != nil {
		return fmt.Errorf("logNotification: %w", err)
	}
	return nil
}

// ─── Job runs ────────────────────────────────────────────────────────────────

// InsertJobRun records the start of an execution.
func (p *Postgres) InsertJobRun(ctx context.Context, run model.JobRun) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO job_runs (id, job_kind, job_key, label, manual, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Key.Kind), run.Key.String(), run.Label, run.Manual, run.StartedAt, string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("insertJobRun: %w", err)
	}
	return nil
}

// FinishJobRun writes the terminal state of a run. Rows that already left
// the running state are not touched again.
func (p *Postgres) FinishJobRun(ctx context.Context, run model.JobRun) error {
	reasons, err := json.Marshal(run.Metrics.RejectReasons)
	if err != nil {
		return fmt.Errorf("finishJobRun: marshal reasons: %w", err)
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE job_runs SET
		   finished_at = $2, status = $3, error = NULLIF($4, ''),
		   items_seen = $5, items_new = $6, items_rejected = $7, items_notified = $8,
		   sellers_new = $9, sellers_updated = $10, items_swept = $11,
		   reject_reasons = $12::jsonb, error_count = $13, duration_ms = $14
		 WHERE id = $1 AND status = 'running'`,
		run.ID, run.FinishedAt, string(run.Status), run.Error,
		run.Metrics.Seen, run.Metrics.New, run.Metrics.Rejected, run.Metrics.Notified,
		run.Metrics.SellersNew, run.Metrics.SellersUpdated, run.Metrics.Swept,
		string(reasons), run.ErrorCount, run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("finishJobRun: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finishJobRun %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// RecentJobRuns returns the latest runs, newest first.
func (p *Postgres) RecentJobRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, job_kind, job_key, label, manual, started_at, finished_at, status,
		        COALESCE(error, ''), COALESCE(items_seen, 0), COALESCE(items_new, 0),
		        COALESCE(items_rejected, 0), COALESCE(items_notified, 0),
		        COALESCE(error_count, 0), COALESCE(duration_ms, 0)
		 FROM job_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recentJobRuns query: %w", err)
	}
	defer rows.Close()

	runs := make([]model.JobRun, 0)
	for rows.Next() {
		var (
			r          model.JobRun
			kind, key  string
			status     string
			durationMS int64
		)
		if err := rows.Scan(
			&r.ID, &kind, &key, &r.Label, &r.Manual, &r.StartedAt, &r.FinishedAt, &status,
			&r.Error, &r.Metrics.Seen, &r.Metrics.New, &r.Metrics.Rejected, &r.Metrics.Notified,
			&r.ErrorCount, &durationMS,
		); err != nil {
			return nil, fmt.Errorf("recentJobRuns scan: %w", err)
		}
		r.Key = model.ParseJobKey(model.JobKind(kind), key)
		r.Status = model.RunStatus(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ─── Settings ────────────────────────────────────────────────────────────────

// LoadSettings reads the single settings row. NULL columns are left out of
// the patch so defaults apply; a missing row yields an empty patch.
func (p *Postgres) LoadSettings(ctx context.Context) (settings.Patch, error) {
	var (
		patch                    settings.Patch
		userAgent, userAgentList *string
		proxyList                *string
		bannedWords, bannedSell  *string
		headers                  []byte
	)
	err := p.db.QueryRow(ctx,
		`SELECT user_agent, user_agent_list, user_agent_rotation, default_headers,
		        max_products_per_search, proxies_enabled, proxy_list, proxy_rotation,
		        global_banned_words, global_min_price, global_banned_sellers,
		        auto_delete_products_days, auto_mark_notified_hours, max_products_in_db,
		        scheduler_error_notifications_enabled, scheduler_error_threshold,
		        vinted_domain, webhook_url, telegram_bot_token, telegram_chat_id,
		        discord_webhook_url
		 FROM settings ORDER BY id LIMIT 1`,
	).Scan(
		&userAgent, &userAgentList, &patch.IdentityRotation, &headers,
		&patch.MaxItemsPerRun, &patch.ProxiesEnabled, &proxyList, &patch.ProxyRotation,
		&bannedWords, &patch.MinPrice, &bannedSell,
		&patch.MaxAgeDays, &patch.NotifyAgeHours, &patch.MaxStoreSize,
		&patch.AlertEnabled, &patch.AlertThreshold,
		&patch.Domain, &patch.WebhookURL, &patch.TelegramToken, &patch.TelegramChatID,
		&patch.DiscordWebhookURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Patch{}, nil
	}
	if err != nil {
		return settings.Patch{}, fmt.Errorf("loadSettings: %w", err)
	}

	switch {
	case userAgentList != nil && len(settings.SplitLines(*userAgentList)) > 0:
		ids := settings.SplitLines(*userAgentList)
		patch.Identities = &ids
	case userAgent != nil && *userAgent != "":
		ids := []string{*userAgent}
		patch.Identities = &ids
	}
	if proxyList != nil {
		proxies := settings.SplitLines(*proxyList)
		patch.Proxies = &proxies
	}
	if bannedWords != nil {
		words := settings.SplitLines(*bannedWords)
		patch.BannedWords = &words
	}
	if bannedSell != nil {
		sellers := settings.SplitLines(*bannedSell)
		patch.BannedSellers = &sellers
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &patch.Headers); err != nil {
			return settings.Patch{}, fmt.Errorf("loadSettings: default_headers: %w", err)
		}
	}
	return patch, nil
}
