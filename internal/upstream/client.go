package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 64 << 10

// Client performs authenticated calls against one hosted service. Each
// service gets its own breaker so a failing synthesis endpoint does not block
// transcription.
type Client struct {
	service string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(service string, cfg config.UpstreamConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		service: service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{},
		logger:  logger.With(slog.String("component", "upstream"), slog.String("service", service)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Breaker.Enabled {
		c.breaker = newBreaker(service, cfg.Breaker, c.logger)
	}
	return c
}

func newBreaker(service string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenTimeoutMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only transport trouble trips the breaker; a rejected request means
		// the service is up and answering.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			switch KindOf(err) {
			case KindTimeout, KindUnavailable:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
}

func (c *Client) Service() string { return c.service }

// PostJSON encodes in as the request body and decodes a 2xx response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.service, err)
	}
	return c.post(ctx, path, "application/json", body, out)
}

// PostMultipart sends a pre-built multipart body.
func (c *Client) PostMultipart(ctx context.Context, path, contentType string, body []byte, out any) error {
	return c.post(ctx, path, contentType, body, out)
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	call := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, Unavailable(c.service, err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("api-subscription-key", c.apiKey)
		return nil, c.roundTrip(req, out)
	}

	start := time.Now()
	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(call)
	} else {
		_, err = call()
	}
	if err != nil {
		err = Classify(c.service, err)
		c.logger.Warn("upstream call failed", slog.String("path", path), slog.Duration("elapsed", time.Since(start)), slog.String("error", err.Error()))
		return err
	}
	c.logger.Debug("upstream call completed", slog.String("path", path), slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Rejected(c.service, resp.StatusCode, providerMessage(raw, resp.Status))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout(c.service, err)
		}
		return &Error{Kind: KindUnavailable, Service: c.service, Message: "invalid response body", Err: err}
	}
	return nil
}

// providerMessage pulls the human-readable message out of a provider error
// body, falling back to the HTTP status line.
func providerMessage(raw []byte, status string) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var flat string
			if json.Unmarshal(envelope.Error, &flat) == nil && flat != "" {
				return flat
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 512 {
		return text
	}
	return status
}
