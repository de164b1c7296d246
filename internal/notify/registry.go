package notify

import (
	"net/http"

	"github.com/redis/go-redis/v9"

	"marketwatch/watcher-service/internal/settings"
)

// Registry builds the channel list from the current settings, so credential
// edits take effect on the next delivery.
type Registry struct {
	current         func() settings.Channels
	client          *http.Client
	rdb             *redis.Client
	telegramAPIBase string
	eventPrefix     string
}

// RegistryOptions carries the process-level dependencies of the channels.
type RegistryOptions struct {
	HTTPClient      *http.Client
	Redis           *redis.Client // nil disables the Redis channel
	TelegramAPIBase string
	EventPrefix     string
}

// NewRegistry returns a Registry reading channel settings from current.
func NewRegistry(current func() settings.Channels, opts RegistryOptions) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultSendTimeout}
	}
	if opts.TelegramAPIBase == "" {
		opts.TelegramAPIBase = "https://api.telegram.org"
	}
	return &Registry{
		current:         current,
		client:          opts.HTTPClient,
		rdb:             opts.Redis,
		telegramAPIBase: opts.TelegramAPIBase,
		eventPrefix:     opts.EventPrefix,
	}
}

// Channels returns every channel whose credentials are configured.
func (r *Registry) Channels() []Channel {
	cfg := r.current()
	var out []Channel
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		out = append(out, NewTelegram(r.telegramAPIBase, cfg.TelegramToken, cfg.TelegramChatID, r.client))
	}
	if cfg.DiscordWebhookURL != "" {
		out = append(out, NewDiscord(cfg.DiscordWebhookURL, r.client))
	}
	if cfg.WebhookURL != "" {
		out = append(out, NewWebhook(cfg.WebhookURL, r.client))
	}
	if cfg.RedisEvents && r.rdb != nil {
		out = append(out, NewRedisEvents(r.rdb, r.eventPrefix))
	}
	return out
}
