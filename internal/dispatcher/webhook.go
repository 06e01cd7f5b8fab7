package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/djlord-it/cronqueue/internal/domain"
)

const (
	SignatureHeader = "X-Cronqueue-Signature"
	JobHeader       = "X-Cronqueue-Job"

	defaultWebhookTimeout = 30 * time.Second
)

// WebhookPublisher posts each fired job as JSON to a fixed URL.
type WebhookPublisher struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewWebhookPublisher(url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookPublisher{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

// Publish posts the message with an HMAC-SHA256 signature of the body.
// Any non-2xx response is an error.
func (p *WebhookPublisher) Publish(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(JobHeader, msg.Name)
	if p.secret != "" {
		req.Header.Set(SignatureHeader, computeSignature(p.secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", p.url, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) Target() string { return p.url }

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
