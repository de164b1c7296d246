package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"marketwatch/watcher-service/internal/model"
)

const (
	discordColorItem  = 0x2ecc71
	discordColorAlert = 0xe74c3c
	discordTitleMax   = 240
)

// Discord posts embeds to a Discord webhook.
type Discord struct {
	webhookURL string
	client     *http.Client
}

// NewDiscord returns a Discord channel.
func NewDiscord(webhookURL string, client *http.Client) *Discord {
	return &Discord{webhookURL: webhookURL, client: client}
}

func (d *Discord) Name() string { return "discord" }

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	URL         string         `json:"url,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Image       *struct {
		URL string `json:"url"`
	} `json:"image,omitempty"`
	Footer struct {
		Text string `json:"text"`
	} `json:"footer"`
}

func (d *Discord) Send(ctx context.Context, msg Message) error {
	return d.post(ctx, map[string]any{"embeds": []discordEmbed{itemEmbed(msg)}})
}

func (d *Discord) SendAlert(ctx context.Context, alert model.Alert) error {
	e := discordEmbed{
		Title:       "Scheduler alert",
		Description: alert.Text(),
		Color:       discordColorAlert,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	e.Footer.Text = "watcher"
	return d.post(ctx, map[string]any{"embeds": []discordEmbed{e}})
}

func (d *Discord) post(ctx context.Context, payload any) error {
	status, header, body, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNoContent || status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		wait := parseRetryAfter(header.Get("Retry-After"), 0)
		if wait == 0 {
			var rl struct {
				RetryAfter float64 `json:"retry_after"`
			}
			if json.Unmarshal(body, &rl) == nil {
				wait = time.Duration(rl.RetryAfter * float64(time.Second))
			}
		}
		return &RateLimitedError{Channel: d.Name(), RetryAfter: wait}
	}
	return &StatusError{Channel: d.Name(), StatusCode: status, Body: truncate(body)}
}

func itemEmbed(msg Message) discordEmbed {
	it := msg.Item
	title := it.Title
	if r := []rune(title); len(r) > discordTitleMax {
		title = string(r[:discordTitleMax])
	}

	e := discordEmbed{
		Title: title,
		URL:   it.URL,
		Color: discordColorItem,
	}
	if !it.FoundAt.IsZero() {
		e.Timestamp = it.FoundAt.UTC().Format(time.RFC3339)
	}
	e.Fields = append(e.Fields, discordField{Name: "Price", Value: "**" + formatPrice(it) + "**", Inline: true})
	if it.Brand != "" {
		e.Fields = append(e.Fields, discordField{Name: "Brand", Value: it.Brand, Inline: true})
	}
	if it.Size != "" {
		e.Fields = append(e.Fields, discordField{Name: "Size", Value: it.Size, Inline: true})
	}
	if it.Condition != "" {
		e.Fields = append(e.Fields, discordField{Name: "Condition", Value: it.Condition, Inline: true})
	}
	if it.SellerLogin != "" {
		seller := it.SellerLogin
		if it.SellerCountry != "" {
			seller += " (" + it.SellerCountry + ")"
		}
		e.Fields = append(e.Fields, discordField{Name: "Seller", Value: seller, Inline: true})
	}
	if msg.Search.Name != "" {
		e.Fields = append(e.Fields, discordField{Name: "Search", Value: msg.Search.Name})
	}
	if it.PhotoURL != "" {
		e.Image = &struct {
			URL string `json:"url"`
		}{URL: it.PhotoURL}
	}
	e.Footer.Text = "watcher"
	return e
}
