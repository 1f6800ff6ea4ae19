// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/collabwire/deltasync/protocol"
)

// HTTPClientConfig configures the HTTP delta-storage client.
type HTTPClientConfig struct {
	// BaseURL is the service root; deltas are read from
	// {BaseURL}/documents/{id}/deltas.
	BaseURL    string
	DocumentID string

	// Token is sent as a bearer token when non-empty.
	Token string

	RequestTimeout time.Duration

	// RequestsPerSecond bounds the request rate; zero disables the
	// limiter.
	RequestsPerSecond float64
	Burst             int

	// FailureThreshold is the consecutive-failure count that opens
	// the circuit breaker.
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// HTTPClient reads historical deltas over the ordering service's REST
// endpoint. A single Get is one request; retry policy belongs to the
// caller.
type HTTPClient struct {
	cfg     HTTPClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

type deltasResponse struct {
	Deltas []*protocol.SequencedMessage `json:"deltas"`
}

// NewHTTPClient creates an HTTP delta-storage client.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.DocumentID == "" {
		return nil, fmt.Errorf("document ID cannot be empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delta-storage",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delta storage circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Get implements DeltaStorage.
func (c *HTTPClient) Get(ctx context.Context, from, to uint64) ([]*protocol.SequencedMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*protocol.SequencedMessage), nil
}

func (c *HTTPClient) get(ctx context.Context, from, to uint64) ([]*protocol.SequencedMessage, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath("documents", c.cfg.DocumentID, "deltas")

	q := u.Query()
	q.Set("from", strconv.FormatUint(from, 10))
	if to > 0 {
		q.Set("to", strconv.FormatUint(to, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delta request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delta request returned status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read delta response: %w", err)
	}

	// The endpoint historically returned a bare array; newer versions
	// wrap it in an object. Accept both.
	var messages []*protocol.SequencedMessage
	if err := json.Unmarshal(data, &messages); err == nil {
		return messages, nil
	}
	var wrapped deltasResponse
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode delta response: %w", err)
	}
	return wrapped.Deltas, nil
}
