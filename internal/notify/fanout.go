package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketwatch/watcher-service/internal/model"
)

// ChannelSource lists the channels to deliver to. *Registry implements it.
type ChannelSource interface {
	Channels() []Channel
}

// DeliveryStore records delivery outcomes.
type DeliveryStore interface {
	MarkDelivered(ctx context.Context, itemID int64) error
	LogNotification(ctx context.Context, n model.NotificationLog) error
}

// Observer receives one call per channel attempt outcome. May be nil.
type Observer interface {
	ObserveDelivery(channel string, ok bool)
	ObserveAlert()
}

// FanoutOptions tunes a Fanout.
type FanoutOptions struct {
	Concurrency   int           // items delivered in parallel within a batch
	RetryAfterMax time.Duration // cap on a single rate-limit wait
	Observer      Observer
}

// Fanout sends every item to every configured channel. A failing channel
// never prevents delivery on the others.
type Fanout struct {
	source        ChannelSource
	store         DeliveryStore
	concurrency   int
	retryAfterMax time.Duration
	observer      Observer
	log           *zap.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewFanout constructs a Fanout.
func NewFanout(source ChannelSource, st DeliveryStore, opts FanoutOptions, log *zap.Logger) *Fanout {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetryAfterMax <= 0 {
		opts.RetryAfterMax = 30 * time.Second
	}
	return &Fanout{
		source:        source,
		store:         st,
		concurrency:   opts.Concurrency,
		retryAfterMax: opts.RetryAfterMax,
		observer:      opts.Observer,
		log:           log.Named("notify"),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// Deliver sends msg to every channel and returns the per-channel outcome.
// The item is marked delivered when at least one channel accepted it.
func (f *Fanout) Deliver(ctx context.Context, msg Message) map[string]bool {
	channels := f.source.Channels()
	results := make(map[string]bool, len(channels))
	if len(channels) == 0 {
		f.log.Debug("no notification channels configured", zap.Int64("item_id", msg.Item.ID))
		return results
	}

	delivered := false
	for _, ch := range channels {
		err := f.attempt(ctx, ch.Name(), func(ctx context.Context) error { return ch.Send(ctx, msg) })
		ok := err == nil
		results[ch.Name()] = ok
		delivered = delivered || ok
		f.observe(ch.Name(), ok)

		entry := model.NotificationLog{
			ItemID:  msg.Item.ID,
			Channel: ch.Name(),
			Success: ok,
			SentAt:  f.now().UTC(),
		}
		if err != nil {
			entry.Error = err.Error()
			f.log.Warn("delivery failed",
				zap.String("channel", ch.Name()),
				zap.Int64("item_id", msg.Item.ID),
				zap.Error(err))
		}
		if lerr := f.store.LogNotification(ctx, entry); lerr != nil {
			f.log.Warn("failed to record notification", zap.String("channel", ch.Name()), zap.Error(lerr))
		}
	}

	if delivered {
		if err := f.store.MarkDelivered(ctx, msg.Item.ID); err != nil {
			f.log.Warn("failed to mark item delivered", zap.Int64("item_id", msg.Item.ID), zap.Error(err))
		}
	}
	return results
}

// DeliverBatch delivers items with bounded parallelism. It never fails; the
// counts say how many items reached at least one channel.
func (f *Fanout) DeliverBatch(ctx context.Context, items []model.Item, search model.Search) BatchResult {
	res := BatchResult{Total: len(items)}
	if len(items) == 0 {
		return res
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, item := range items {
		g.Go(func() error {
			outcome := f.Deliver(gctx, Message{Item: item, Search: search})
			ok := false
			for _, v := range outcome {
				ok = ok || v
			}
			mu.Lock()
			if ok {
				res.Success++
			} else {
				res.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// Alert sends a scheduler alert to every channel. Failures are logged only.
func (f *Fanout) Alert(ctx context.Context, alert model.Alert) map[string]bool {
	channels := f.source.Channels()
	results := make(map[string]bool, len(channels))
	if f.observer != nil {
		f.observer.ObserveAlert()
	}
	for _, ch := range channels {
		err := f.attempt(ctx, ch.Name(), func(ctx context.Context) error { return ch.SendAlert(ctx, alert) })
		results[ch.Name()] = err == nil
		if err != nil {
			f.log.Warn("alert delivery failed", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}
	f.log.Info("scheduler alert sent",
		zap.String("job", alert.Key.String()),
		zap.Int("error_count", alert.ErrorCount))
	return results
}

// attempt calls send, honouring one rate-limit backoff. A panic inside a
// channel is turned into an error.
func (f *Fanout) attempt(ctx context.Context, channel string, send func(context.Context) error) error {
	err := safeCall(ctx, channel, send)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		return err
	}
	wait := min(rl.RetryAfter, f.retryAfterMax)
	f.log.Info("channel rate limited, retrying once",
		zap.String("channel", channel),
		zap.Duration("wait", wait))
	if serr := f.sleep(ctx, wait); serr != nil {
		return serr
	}
	return safeCall(ctx, channel, send)
}

func (f *Fanout) observe(channel string, ok bool) {
	if f.observer != nil {
		f.observer.ObserveDelivery(channel, ok)
	}
}

func safeCall(ctx context.Context, channel string, send func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", channel, r)
		}
	}()
	return send(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
