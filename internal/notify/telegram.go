package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"marketwatch/watcher-service/internal/model"
)

// Telegram posts to a chat through the Bot API.
type Telegram struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram returns a Telegram channel. apiBase is normally
// https://api.telegram.org.
func NewTelegram(apiBase, token, chatID string, client *http.Client) *Telegram {
	return &Telegram{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  client,
	}
}

func (t *Telegram) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send uses sendPhoto when the item has a photo, sendMessage otherwise.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	keyboard := map[string]any{
		"inline_keyboard": [][]map[string]string{{
			{"text": "Open listing", "url": msg.Item.URL},
		}},
	}
	text := formatTelegram(msg)

	if msg.Item.PhotoURL != "" {
		return t.call(ctx, "sendPhoto", map[string]any{
			"chat_id":      t.chatID,
			"photo":        msg.Item.PhotoURL,
			"caption":      text,
			"parse_mode":   "HTML",
			"reply_markup": keyboard,
		})
	}
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id":      t.chatID,
		"text":         text,
		"parse_mode":   "HTML",
		"reply_markup": keyboard,
	})
}

// SendAlert posts the alert as plain HTML text.
func (t *Telegram) SendAlert(ctx context.Context, alert model.Alert) error {
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id":    t.chatID,
		"text":       "<b>Scheduler alert</b>\n" + html.EscapeString(alert.Text()),
		"parse_mode": "HTML",
	})
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	status, _, body, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return err
	}

	var resp telegramResponse
	_ = json.Unmarshal(body, &resp)

	if status == http.StatusTooManyRequests {
		return &RateLimitedError{
			Channel:    t.Name(),
			RetryAfter: time.Duration(resp.Parameters.RetryAfter) * time.Second,
		}
	}
	if status != http.StatusOK || !resp.OK {
		desc := resp.Description
		if desc == "" {
			desc = truncate(body)
		}
		return &StatusError{Channel: t.Name(), StatusCode: status, Body: desc}
	}
	return nil
}

func formatTelegram(msg Message) string {
	it := msg.Item
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(it.Title))
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(formatPrice(it)))
	if it.Brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", html.EscapeString(it.Brand))
	}
	if it.Size != "" {
		fmt.Fprintf(&b, "Size: %s\n", html.EscapeString(it.Size))
	}
	if it.Condition != "" {
		fmt.Fprintf(&b, "Condition: %s\n", html.EscapeString(it.Condition))
	}
	if it.SellerLogin != "" {
		fmt.Fprintf(&b, "\nSeller: %s", html.EscapeString(it.SellerLogin))
		if it.SellerCountry != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(it.SellerCountry))
		}
		b.WriteString("\n")
	}
	if msg.Search.Name != "" {
		fmt.Fprintf(&b, "\nSearch: <i>%s</i>\n", html.EscapeString(msg.Search.Name))
	}
	return b.String()
}
