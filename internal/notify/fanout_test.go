package notify_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketwatch/watcher-service/internal/model"
	"marketwatch/watcher-service/internal/notify"
	"marketwatch/watcher-service/internal/settings"
	"marketwatch/watcher-service/internal/store"
)

type fakeChannel struct {
	name   string
	send   func(call int) error
	mu     sync.Mutex
	calls  int
	alerts int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, _ notify.Message) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.send(call)
}

func (f *fakeChannel) SendAlert(_ context.Context, _ model.Alert) error {
	f.mu.Lock()
	f.alerts++
	f.mu.Unlock()
	return f.send(0)
}

type staticSource []notify.Channel

func (s staticSource) Channels() []notify.Channel { return s }

type countingObserver struct {
	mu         sync.Mutex
	deliveries map[string]int
	alerts     int
}

func (o *countingObserver) ObserveDelivery(channel string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deliveries == nil {
		o.deliveries = map[string]int{}
	}
	if ok {
		o.deliveries[channel]++
	}
}

func (o *countingObserver) ObserveAlert() {
	o.mu.Lock()
	o.alerts++
	o.mu.Unlock()
}

func storedItem(t *testing.T, m *store.Memory, externalID string) model.Item {
	t.Helper()
	it, _, err := m.InsertItem(context.Background(), model.Item{
		CandidateItem: model.CandidateItem{ExternalID: externalID, Title: "item " + externalID},
		SearchID:      1,
		FoundAt:       time.Now(),
	})
	require.NoError(t, err)
	return it
}

func okChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, send: func(int) error { return nil }}
}

// ── Deliver ────────────────────────────────────────────────────────────────

func TestFanout_PanickingChannelDoesNotBlockOthers(t *testing.T) {
	m := store.NewMemory()
	item := storedItem(t, m, "a")
	a := okChannel("A")
	b := &fakeChannel{name: "B", send: func(int) error { panic("boom") }}

	f := notify.NewFanout(staticSource{a, b}, m, notify.FanoutOptions{}, zap.NewNop())
	got := f.Deliver(context.Background(), notify.Message{Item: item})

	assert.Equal(t, map[string]bool{"A": true, "B": false}, got)
	assert.True(t, m.Items()[0].Delivered)

	logs := m.Notifications()
	require.Len(t, logs, 2)
	assert.True(t, logs[0].Success)
	assert.False(t, logs[1].Success)
	assert.Contains(t, logs[1].Error, "panicked")
}

func TestFanout_AllChannelsFailLeavesItemUndelivered(t *testing.T) {
	m := store.NewMemory()
	item := storedItem(t, m, "a")
	a := &fakeChannel{name: "A", send: func(int) error { return errors.New("down") }}

	f := notify.NewFanout(staticSource{a}, m, notify.FanoutOptions{}, zap.NewNop())
	got := f.Deliver(context.Background(), notify.Message{Item: item})

	assert.Equal(t, map[string]bool{"A": false}, got)
	assert.False(t, m.Items()[0].Delivered)
}

func TestFanout_NoChannels(t *testing.T) {
	m := store.NewMemory()
	item := storedItem(t, m, "a")

	f := notify.NewFanout(staticSource{}, m, notify.FanoutOptions{}, zap.NewNop())
	got := f.Deliver(context.Background(), notify.Message{Item: item})

	assert.Empty(t, got)
	assert.False(t, m.Items()[0].Delivered)
	assert.Empty(t, m.Notifications())
}

func TestFanout_RateLimitRetriesOnceWithCappedWait(t *testing.T) {
	m := store.NewMemory()
	item := storedItem(t, m, "a")
	a := &fakeChannel{name: "A", send: func(call int) error {
		if call == 1 {
			return &notify.RateLimitedError{Channel: "A", RetryAfter: time.Hour}
		}
		return nil
	}}

	f := notify.NewFanout(staticSource{a}, m, notify.FanoutOptions{RetryAfterMax: 5 * time.Second}, zap.NewNop())
	var waited []time.Duration
	f.SetSleep(func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	})

	got := f.Deliver(context.Background(), notify.Message{Item: item})
	assert.True(t, got["A"])
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, []time.Duration{5 * time.Second}, waited)
}

func TestFanout_RateLimitTwiceFails(t *testing.T) {
	m := store.NewMemory()
	item := storedItem(t, m, "a")
	a := &fakeChannel{name: "A", send: func(int) error {
		return &notify.RateLimitedError{Channel: "A", RetryAfter: time.Millisecond}
	}}

	f := notify.NewFanout(staticSource{a}, m, notify.FanoutOptions{}, zap.NewNop())
	f.SetSleep(func(context.Context, time.Duration) error { return nil })

	got := f.Deliver(context.Background(), notify.Message{Item: item})
	assert.False(t, got["A"])
	assert.Equal(t, 2, a.calls)
}

// ── DeliverBatch ───────────────────────────────────────────────────────────

func TestFanout_DeliverBatchCounts(t *testing.T) {
	m := store.NewMemory()
	items := []model.Item{storedItem(t, m, "a"), storedItem(t, m, "b"), storedItem(t, m, "c")}
	failID := items[1].ID

	var mu sync.Mutex
	seen := map[int64]bool{}
	ch := &selectiveChannel{fail: failID, mu: &mu, seen: seen}
	obs := &countingObserver{}

	f := notify.NewFanout(staticSource{ch}, m, notify.FanoutOptions{Concurrency: 2, Observer: obs}, zap.NewNop())
	res := f.DeliverBatch(context.Background(), items, model.Search{ID: 1})

	assert.Equal(t, notify.BatchResult{Total: 3, Success: 2, Failed: 1}, res)
	assert.Len(t, seen, 3)
	assert.Equal(t, 2, obs.deliveries["sel"])
	for _, it := range m.Items() {
		assert.Equal(t, it.ID != failID, it.Delivered, "item %d", it.ID)
	}
}

type selectiveChannel struct {
	fail int64
	mu   *sync.Mutex
	seen map[int64]bool
}

func (s *selectiveChannel) Name() string { return "sel" }

func (s *selectiveChannel) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	s.seen[msg.Item.ID] = true
	s.mu.Unlock()
	if msg.Item.ID == s.fail {
		return errors.New("rejected")
	}
	return nil
}

func (s *selectiveChannel) SendAlert(context.Context, model.Alert) error { return nil }

// ── Alert ──────────────────────────────────────────────────────────────────

func TestFanout_AlertReachesEveryChannel(t *testing.T) {
	a := okChannel("A")
	b := &fakeChannel{name: "B", send: func(int) error { return errors.New("down") }}
	obs := &countingObserver{}

	f := notify.NewFanout(staticSource{a, b}, store.NewMemory(), notify.FanoutOptions{Observer: obs}, zap.NewNop())
	got := f.Alert(context.Background(), model.Alert{Key: model.SearchJobKey(1), Label: "s", ErrorCount: 3})

	assert.Equal(t, map[string]bool{"A": true, "B": false}, got)
	assert.Equal(t, 1, a.alerts)
	assert.Equal(t, 1, b.alerts)
	assert.Equal(t, 1, obs.alerts)
}

// ── Registry ───────────────────────────────────────────────────────────────

func TestRegistry_BuildsConfiguredChannels(t *testing.T) {
	cfg := settings.Channels{
		TelegramToken:     "t",
		DiscordWebhookURL: "https://discord.example/hook",
		WebhookURL:        "https://hooks.example/in",
		RedisEvents:       true,
	}
	r := notify.NewRegistry(func() settings.Channels { return cfg }, notify.RegistryOptions{HTTPClient: http.DefaultClient})

	var names []string
	for _, ch := range r.Channels() {
		names = append(names, ch.Name())
	}
	// Telegram needs a chat id too; Redis needs a client.
	assert.Equal(t, []string{"discord", "webhook"}, names)

	cfg.TelegramChatID = "42"
	names = names[:0]
	for _, ch := range r.Channels() {
		names = append(names, ch.Name())
	}
	assert.Equal(t, []string{"telegram", "discord", "webhook"}, names)
}
