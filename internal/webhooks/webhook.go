// internal/webhooks/webhook.go
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/devops"
)

// Event types, one per terminal status
const (
	EventDeploymentSucceeded  = "deployment.succeeded"
	EventDeploymentRolledBack = "deployment.rolled_back"
	EventDeploymentFailed     = "deployment.failed"
)

// Delivery statuses
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// SignatureHeader carries the HMAC of the request body
const SignatureHeader = "X-Webhook-Signature"

// maxHistory is the number of deliveries kept in memory
const maxHistory = 100

// WebhookConfig configures a webhook endpoint
type WebhookConfig struct {
	URL          string            `json:"url"`
	Secret       string            `json:"secret,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RequireHTTPS bool              `json:"require_https"`
}

// Validate checks if the configuration is valid
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return errors.New("webhook: URL is required")
	}

	parsedURL, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("webhook: invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", parsedURL.Scheme)
	}
	if c.RequireHTTPS && parsedURL.Scheme != "https" {
		return errors.New("webhook: HTTPS is required")
	}
	return nil
}

// WebhookPayload is sent to webhook endpoints
type WebhookPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Summary   devops.Summary `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
	Attempt   int            `json:"attempt"`
}

// EventType maps a terminal deployment status to its event type
func EventType(status string) string {
	switch devops.Status(status) {
	case devops.StatusSucceeded:
		return EventDeploymentSucceeded
	case devops.StatusRolledBack:
		return EventDeploymentRolledBack
	default:
		return EventDeploymentFailed
	}
}

// WebhookDelivery tracks a delivery attempt
type WebhookDelivery struct {
	ID           string        `json:"id"`
	PayloadID    string        `json:"payload_id"`
	DeploymentID string        `json:"deployment_id"`
	Status       string        `json:"status"`
	StatusCode   int           `json:"status_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	Attempt      int           `json:"attempt"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NotifierConfig configures delivery
type NotifierConfig struct {
	MaxRetries     int           `json:"max_retries"`
	RetryInterval  time.Duration `json:"retry_interval"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultNotifierConfig returns sensible defaults
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		MaxRetries:     3,
		RetryInterval:  time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Notifier posts deployment summaries to one webhook endpoint. It
// implements devops.Notifier.
type Notifier struct {
	webhook    *WebhookConfig
	config     *NotifierConfig
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.RWMutex
	deliveries []*WebhookDelivery
}

// NewNotifier creates a notifier
func NewNotifier(webhook *WebhookConfig, config *NotifierConfig, logger *zap.Logger) (*Notifier, error) {
	if err := webhook.Validate(); err != nil {
		return nil, err
	}
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Notifier{
		webhook: webhook,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// Send delivers summary, retrying at a fixed interval
func (n *Notifier) Send(ctx context.Context, summary devops.Summary) error {
	payload := &WebhookPayload{
		ID:        uuid.New().String(),
		Type:      EventType(summary.Status),
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= n.config.MaxRetries; attempt++ {
		payload.Attempt = attempt

		delivery := &WebhookDelivery{
			ID:           uuid.New().String(),
			PayloadID:    payload.ID,
			DeploymentID: summary.DeploymentID,
			Attempt:      attempt,
			CreatedAt:    time.Now().UTC(),
		}

		start := time.Now()
		statusCode, err := n.sendRequest(ctx, payload)
		delivery.Duration = time.Since(start)
		delivery.StatusCode = statusCode

		if err == nil && statusCode >= 200 && statusCode < 300 {
			delivery.Status = DeliveryStatusSuccess
			n.recordDelivery(delivery)
			n.logger.Debug("webhook delivered",
				zap.String("deployment_id", summary.DeploymentID),
				zap.Int("attempt", attempt))
			return nil
		}

		delivery.Status = DeliveryStatusFailed
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook returned status %d", statusCode)
		}
		delivery.Error = lastErr.Error()
		n.recordDelivery(delivery)

		if attempt < n.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.config.RetryInterval):
			}
		}
	}

	return fmt.Errorf("webhook: %d attempts: %w", n.config.MaxRetries, lastErr)
}

// sendRequest sends a single webhook request
func (n *Notifier) sendRequest(ctx context.Context, payload *WebhookPayload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Shipyard-Webhooks/1.0")
	req.Header.Set("X-Event-Type", payload.Type)
	req.Header.Set("X-Event-ID", payload.ID)
	req.Header.Set("X-Delivery-Attempt", fmt.Sprintf("%d", payload.Attempt))

	if n.webhook.Secret != "" {
		req.Header.Set(SignatureHeader, GenerateSignature(body, n.webhook.Secret))
	}
	for key, value := range n.webhook.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// GenerateSignature generates HMAC-SHA256 signature
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies a webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := GenerateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// recordDelivery stores a delivery record
func (n *Notifier) recordDelivery(delivery *WebhookDelivery) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.deliveries = append(n.deliveries, delivery)
	if len(n.deliveries) > maxHistory {
		n.deliveries = n.deliveries[len(n.deliveries)-maxHistory:]
	}
}

// DeliveryHistory returns up to limit deliveries, most recent first
func (n *Notifier) DeliveryHistory(limit int) []*WebhookDelivery {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(n.deliveries) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(n.deliveries) {
		limit = len(n.deliveries)
	}

	result := make([]*WebhookDelivery, limit)
	for i := 0; i < limit; i++ {
		result[i] = n.deliveries[len(n.deliveries)-1-i]
	}
	return result
}
