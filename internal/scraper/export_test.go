package scraper

import (
	"time"

	"marketwatch/watcher-service/internal/settings"
)

// SetFetcher makes every run use f instead of a live Client.
func (w *Worker) SetFetcher(f Fetcher) {
	w.newFetcher = func(settings.Scraper) (Fetcher, error) { return f, nil }
}

// SetNow pins the worker clock.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }
