package notify

import (
	"context"
	"net/http"
	"time"

	"marketwatch/watcher-service/internal/model"
)

// Event names carried in the generic webhook payload.
const (
	EventNewProduct     = "new_product"
	EventSchedulerError = "scheduler_error"
)

// Webhook POSTs a JSON document to an arbitrary URL. Any 2xx is a success.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a generic webhook channel.
func NewWebhook(url string, client *http.Client) *Webhook {
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookProduct struct {
	ID          int64   `json:"id"`
	ExternalID  string  `json:"external_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	Brand       string  `json:"brand"`
	Size        string  `json:"size"`
	Condition   string  `json:"condition"`
	URL         string  `json:"url"`
	ImageURL    string  `json:"image_url"`
	FoundAt     string  `json:"found_at,omitempty"`
}

type webhookSeller struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Country    string `json:"country"`
}

type webhookSearch struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Query     string   `json:"query,omitempty"`
	PriceFrom *float64 `json:"price_from"`
	PriceTo   *float64 `json:"price_to"`
}

type webhookItemPayload struct {
	Event   string         `json:"event"`
	Product webhookProduct `json:"product"`
	Seller  webhookSeller  `json:"seller"`
	Search  webhookSearch  `json:"search"`
}

type webhookAlertPayload struct {
	Type         string `json:"type"`
	SearchKey    string `json:"search_id"`
	SearchName   string `json:"search_name"`
	ErrorCount   int    `json:"error_count"`
	ErrorMessage string `json:"error_message"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	it := msg.Item
	payload := webhookItemPayload{
		Event: EventNewProduct,
		Product: webhookProduct{
			ID:          it.ID,
			ExternalID:  it.ExternalID,
			Title:       it.Title,
			Description: it.Description,
			Price:       it.Price,
			Currency:    it.Currency,
			Brand:       it.Brand,
			Size:        it.Size,
			Condition:   it.Condition,
			URL:         it.URL,
			ImageURL:    it.PhotoURL,
		},
		Seller: webhookSeller{
			ExternalID: it.SellerID,
			Name:       it.SellerLogin,
			Country:    it.SellerCountry,
		},
		Search: webhookSearch{
			ID:        msg.Search.ID,
			Name:      msg.Search.Name,
			Query:     firstNonEmpty(msg.Search.RawQuery, msg.Search.SearchText),
			PriceFrom: msg.Search.PriceFrom,
			PriceTo:   msg.Search.PriceTo,
		},
	}
	if !it.FoundAt.IsZero() {
		payload.Product.FoundAt = it.FoundAt.UTC().Format(time.RFC3339)
	}
	return w.post(ctx, payload)
}

func (w *Webhook) SendAlert(ctx context.Context, alert model.Alert) error {
	return w.post(ctx, webhookAlertPayload{
		Type:         EventSchedulerError,
		SearchKey:    alert.Key.Key,
		SearchName:   alert.Label,
		ErrorCount:   alert.ErrorCount,
		ErrorMessage: alert.LastError,
		Message:      alert.Text(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	status, _, body, err := postJSON(ctx, w.client, w.url, payload)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests {
		return &RateLimitedError{Channel: w.Name()}
	}
	if status < 200 || status >= 300 {
		return &StatusError{Channel: w.Name(), StatusCode: status, Body: truncate(body)}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
