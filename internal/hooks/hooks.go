package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/asar-dev/asar-loader/internal/history"
	"gorm.io/gorm"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the body for webhooks with a secret.
	SignatureHeader = "X-Asar-Signature"

	maxAttempts       = 3
	defaultRetryDelay = 2 * time.Second
)

// Manager delivers events to the webhooks stored in the state database.
// A nil *Manager drops every event.
type Manager struct {
	db         *history.DB
	httpClient *http.Client
	retryDelay time.Duration
	pending    sync.WaitGroup
}

func New(db *history.DB) *Manager {
	return &Manager{
		db:         db,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: defaultRetryDelay,
	}
}

// Emit posts event to every subscribed webhook in the background.
func (m *Manager) Emit(ctx context.Context, event *Event) {
	if m == nil {
		return
	}
	webhooks, err := m.subscribers(event)
	if err != nil {
		slog.Error("Failed to get webhooks", "error", err)
		return
	}
	if len(webhooks) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "event", event.Type)
		return
	}
	for _, webhook := range webhooks {
		m.pending.Add(1)
		go func(wh history.Webhook) {
			defer m.pending.Done()
			status, err := m.deliver(ctx, wh, event, payload)
			m.recordDelivery(wh.ID, status, err)
		}(webhook)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	if m == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribers returns the enabled webhooks wanting event. Product filters
// only apply to events that name a product.
func (m *Manager) subscribers(event *Event) ([]history.Webhook, error) {
	var webhooks []history.Webhook
	if err := m.db.Where("enabled = ?", true).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	var matching []history.Webhook
	for _, wh := range webhooks {
		if !wantsEvent(ParseEvents(wh.Events), event.Type) {
			continue
		}
		if event.Product != nil && !wantsProduct(ParseProducts(wh.Products), event.Product.ID) {
			continue
		}
		matching = append(matching, wh)
	}
	return matching, nil
}

func wantsEvent(events []string, eventType string) bool {
	for _, e := range events {
		if e == "*" || strings.EqualFold(e, eventType) {
			return true
		}
	}
	return false
}

func wantsProduct(prefixes []string, productID string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(productID, p) {
			return true
		}
	}
	return false
}

// deliver posts payload, retrying transport errors and 5xx answers. It
// returns the last HTTP status seen.
func (m *Manager) deliver(ctx context.Context, webhook history.Webhook, event *Event, payload []byte) (int, error) {
	delay := m.retryDelay
	var status int
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err = m.post(ctx, webhook, event, payload)
		if err == nil && status < 500 {
			break
		}
		slog.Warn("Webhook delivery failed", "webhookID", webhook.ID, "event", event.Type,
			"attempt", attempt, "status", status, "error", err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err == nil && status >= 400 {
		err = fmt.Errorf("webhook answered %d", status)
	}
	return status, err
}

func (m *Manager) post(ctx context.Context, webhook history.Webhook, event *Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "asar-loader/1.0")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Asar-Event", event.Type)
	if webhook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(webhook.Secret, payload))
	}

	if len(webhook.Headers) > 0 {
		var headers map[string]string
		if json.Unmarshal(webhook.Headers, &headers) == nil {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign returns the signature header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// recordDelivery stores the outcome on the webhook row. Failures counts
// consecutive failed deliveries.
func (m *Manager) recordDelivery(id uint, status int, err error) {
	updates := map[string]any{
		"last_status":       status,
		"last_delivered_at": time.Now(),
		"last_error":        "",
		"failures":          0,
	}
	if err != nil {
		updates["last_error"] = err.Error()
		updates["failures"] = gorm.Expr("failures + 1")
	}
	if dbErr := m.db.Model(&history.Webhook{}).Where("id = ?", id).Updates(updates).Error; dbErr != nil {
		slog.Error("Failed to record webhook delivery", "error", dbErr, "webhookID", id)
	}
}

// WebhookOption configures a webhook at creation.
type WebhookOption func(*history.Webhook) error

// WithHeaders adds request headers to every delivery.
func WithHeaders(headers map[string]string) WebhookOption {
	return func(wh *history.Webhook) error {
		if len(headers) == 0 {
			return nil
		}
		data, err := json.Marshal(headers)
		wh.Headers = data
		return err
	}
}

// WithSecret signs every delivery with secret.
func WithSecret(secret string) WebhookOption {
	return func(wh *history.Webhook) error {
		wh.Secret = secret
		return nil
	}
}

// WithProducts limits product events to identifiers starting with one of
// prefixes, for example ASA_IMS or SAR_IMP.
func WithProducts(prefixes ...string) WebhookOption {
	return func(wh *history.Webhook) error {
		if len(prefixes) == 0 {
			return nil
		}
		data, err := json.Marshal(prefixes)
		wh.Products = string(data)
		return err
	}
}

func (m *Manager) CreateWebhook(name, url string, events []string, opts ...WebhookOption) (*history.Webhook, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	webhook := &history.Webhook{
		Name:    name,
		URL:     url,
		Events:  string(eventsJSON),
		Enabled: true,
	}
	for _, opt := range opts {
		if err := opt(webhook); err != nil {
			return nil, err
		}
	}
	if err := m.db.Create(webhook).Error; err != nil {
		return nil, err
	}
	return webhook, nil
}

func (m *Manager) SetEnabled(id uint, enabled bool) error {
	return m.db.Model(&history.Webhook{}).Where("id = ?", id).Update("enabled", enabled).Error
}

func (m *Manager) DeleteWebhook(id uint) error {
	return m.db.Delete(&history.Webhook{}, id).Error
}

func (m *Manager) ListWebhooks() ([]history.Webhook, error) {
	var webhooks []history.Webhook
	return webhooks, m.db.Find(&webhooks).Error
}

func (m *Manager) GetWebhook(id uint) (*history.Webhook, error) {
	var webhook history.Webhook
	if err := m.db.First(&webhook, id).Error; err != nil {
		return nil, err
	}
	return &webhook, nil
}

func ParseEvents(eventsJSON string) []string {
	var events []string
	json.Unmarshal([]byte(eventsJSON), &events)
	return events
}

// ParseProducts decodes a webhook's product prefixes, nil for all products.
func ParseProducts(productsJSON string) []string {
	if productsJSON == "" {
		return nil
	}
	var prefixes []string
	json.Unmarshal([]byte(productsJSON), &prefixes)
	return prefixes
}

func AllEvents() []string {
	return []string{
		EventOrderQueued,
		EventDownloadStarted,
		EventDownloadCompleted,
		EventDownloadFailed,
		EventDownloadCancelled,
		EventCatalogSynced,
		EventCatalogSyncFailed,
	}
}

func IsValidEvent(event string) bool {
	if event == "*" {
		return true
	}
	for _, e := range AllEvents() {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}
