package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/settings"
)

// Memory is a process-local store. It honours the same uniqueness and
// exactly-once-finish rules as Postgres.
type Memory struct {
	mu            sync.Mutex
	searches      map[int64]model.Search
	sellers       map[string]model.Seller
	items         map[string]model.Item // by external id
	runs          map[string]model.JobRun
	notifications []model.NotificationLog
	settings      settings.Patch
	nextItemID    int64
	nextSellerID  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		searches: make(map[int64]model.Search),
		sellers:  make(map[string]model.Seller),
		items:    make(map[string]model.Item),
		runs:     make(map[string]model.JobRun),
	}
}

// ─── Searches ────────────────────────────────────────────────────────────────

// PutSearch creates or replaces a search.
func (m *Memory) PutSearch(s model.Search) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches[s.ID] = s
}

func (m *Memory) GetSearch(_ context.Context, id int64) (model.Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[id]
	if !ok {
		return model.Search{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListActiveSearches(_ context.Context) ([]model.Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Search, 0, len(m.searches))
	for _, s := range m.searches {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchSearch(_ context.Context, t SearchTouch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.searches[t.SearchID]
	if !ok {
		return nil
	}
	ranAt := t.RanAt
	s.LastRunAt = &ranAt
	if t.Success {
		s.LastSuccessAt = &ranAt
	}
	m.searches[t.SearchID] = s
	return nil
}

// ─── Sellers ─────────────────────────────────────────────────────────────────

func (m *Memory) GetSeller(_ context.Context, externalID string) (model.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sellers[externalID]
	if !ok {
		return model.Seller{}, ErrNotFound
	}
	return s, nil
}

// UpsertSeller stores s, keeping the id and first_seen_at of an existing row.
func (m *Memory) UpsertSeller(_ context.Context, s model.Seller) (model.Seller, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sellers[s.ExternalID]; ok {
		s.ID = existing.ID
		s.FirstSeenAt = existing.FirstSeenAt
		m.sellers[s.ExternalID] = s
		return s, false, nil
	}
	m.nextSellerID++
	s.ID = m.nextSellerID
	s.FirstSeenAt = s.LastUpdatedAt
	m.sellers[s.ExternalID] = s
	return s, true, nil
}

// ─── Items ───────────────────────────────────────────────────────────────────

func (m *Memory) InsertItem(_ context.Context, item model.Item) (model.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ExternalID]; ok {
		return item, false, nil
	}
	m.nextItemID++
	item.ID = m.nextItemID
	item.Delivered = false
	m.items[item.ExternalID] = item
	return item, true, nil
}

// Items returns a copy of all stored items ordered by id.
func (m *Memory) Items() []model.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedItemsLocked()
}

func (m *Memory) sortedItemsLocked() []model.Item {
	out := make([]model.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) MarkDelivered(_ context.Context, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if it.ID == itemID {
			it.Delivered = true
			m.items[k] = it
			return nil
		}
	}
	return nil
}

func (m *Memory) CountItems(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *Memory) DeleteItemsOlderThan(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, it := range m.sortedItemsLocked() {
		if deleted >= limit {
			break
		}
		if it.FoundAt.Before(cutoff) {
			delete(m.items, it.ExternalID)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) DeleteOldestItems(_ context.Context, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.sortedItemsLocked()
	sort.SliceStable(items, func(i, j int) bool { return items[i].FoundAt.Before(items[j].FoundAt) })
	deleted := 0
	for _, it := range items {
		if deleted >= n {
			break
		}
		delete(m.items, it.ExternalID)
		deleted++
	}
	return deleted, nil
}

func (m *Memory) MarkDeliveredOlderThan(_ context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marked := 0
	for _, it := range m.sortedItemsLocked() {
		if marked >= limit {
			break
		}
		if !it.Delivered && it.FoundAt.Before(cutoff) {
			it.Delivered = true
			m.items[it.ExternalID] = it
			marked++
		}
	}
	return marked, nil
}

func (m *Memory) LogNotification(_ context.Context, n model.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns a copy of the delivery log.
func (m *Memory) Notifications() []model.NotificationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.notifications)
}

// ─── Job runs ────────────────────────────────────────────────────────────────

func (m *Memory) InsertJobRun(_ context.Context, run model.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("insertJobRun: duplicate id %s", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) FinishJobRun(_ context.Context, run model.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok || existing.Status != model.RunStatusRunning {
		return fmt.Errorf("finishJobRun %s: %w", run.ID, ErrNotFound)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) RecentJobRuns(_ context.Context, limit int) ([]model.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.JobRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Settings ────────────────────────────────────────────────────────────────

// PutSettings replaces the stored settings patch.
func (m *Memory) PutSettings(p settings.Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = p
}

func (m *Memory) LoadSettings(_ context.Context) (settings.Patch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}
