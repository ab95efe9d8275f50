package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
)

const defaultWebhookTimeout = 30 * time.Second

// WebhookPayload is the body POSTed for each batch.
type WebhookPayload struct {
	Task        string                  `json:"task"`
	ObjectType  string                  `json:"object_type"`
	Range       models.Range            `json:"range"`
	Attempt     int                     `json:"attempt"`
	ExecutionID string                  `json:"execution_id"`
	Entries     []models.ChangeLogEntry `json:"entries"`
}

// Webhook ships batches to an HTTP endpoint, e.g. a search index synchronizer.
// Any non-2xx answer is a consumer fault and the batch is retried whole.
type Webhook struct {
	url     string
	client  *http.Client
	headers map[string]string
}

var _ service.Consumer = (*Webhook)(nil)

type WebhookOption func(*Webhook)

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.client = client
	}
}

func WithHeader(key, value string) WebhookOption {
	return func(w *Webhook) {
		w.headers[key] = value
	}
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Consume(ctx context.Context, batch service.Batch) error {
	body, err := json.Marshal(WebhookPayload{
		Task:        batch.Task,
		ObjectType:  batch.ObjectType,
		Range:       batch.Range,
		Attempt:     batch.Attempt,
		ExecutionID: batch.ExecutionID,
		Entries:     batch.Entries,
	})
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.Range, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// the same range always carries the same key, so receivers can dedupe retries
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s/%d-%d", batch.Task, batch.ObjectType, batch.Range.Min, batch.Range.Max))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch %s: %w", batch.Range, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post batch %s: unexpected status %d: %s", batch.Range, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
