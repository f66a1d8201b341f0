// Package client calls the aiprompter gateway over HTTP. It is the
// terminal counterpart of the browser front-end: it reads the rate headers
// so the local usage counter can follow the server's count.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrStatusUnavailable is returned by Status when the server could not
// read the quota.
var ErrStatusUnavailable = errors.New("rate status unavailable")

const maxResponseBytes = 1 << 20

// Quota is the server-reported daily standing.
type Quota struct {
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	ResetSeconds int64 `json:"reset_seconds"`
	Count        int64 `json:"count"`
}

// EnhanceResult is a successful enhancement. Quota is nil when the server
// admitted the request without counting it (counter store unavailable).
type EnhanceResult struct {
	Text  string
	Quota *Quota
}

// RateLimitedError is returned when today's quota is used up.
type RateLimitedError struct {
	Quota  Quota
	Detail string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("daily limit of %d reached, resets in %ds", e.Quota.Limit, e.Quota.ResetSeconds)
}

// APIError is any other non-2xx reply.
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("gateway returned %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type enhanceRequest struct {
	Prompt string `json:"prompt"`
	Type   string `json:"type,omitempty"`
}

type replyBody struct {
	Text         string `json:"text"`
	Error        string `json:"error"`
	Detail       string `json:"detail"`
	Limit        int64  `json:"limit"`
	Remaining    int64  `json:"remaining"`
	ResetSeconds int64  `json:"reset_seconds"`
	Count        int64  `json:"count"`
}

// Enhance asks the gateway to transform prompt. kind may be empty.
func (c *Client) Enhance(ctx context.Context, prompt, kind string) (EnhanceResult, error) {
	payload, err := json.Marshal(enhanceRequest{Prompt: prompt, Type: kind})
	if err != nil {
		return EnhanceResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/enhance", bytes.NewReader(payload))
	if err != nil {
		return EnhanceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := c.do(req)
	if err != nil {
		return EnhanceResult{}, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		q, ok := quotaFromHeaders(resp.Header)
		if !ok {
			q = Quota{Limit: body.Limit, Remaining: body.Remaining, ResetSeconds: body.ResetSeconds}
		}
		return EnhanceResult{}, &RateLimitedError{Quota: q, Detail: body.Detail}
	case resp.StatusCode != http.StatusOK:
		return EnhanceResult{}, &APIError{StatusCode: resp.StatusCode, Code: body.Error, Detail: body.Detail}
	}

	res := EnhanceResult{Text: body.Text}
	if q, ok := quotaFromHeaders(resp.Header); ok {
		res.Quota = &q
	}
	return res, nil
}

// Status reads today's quota without counting a request.
func (c *Client) Status(ctx context.Context) (Quota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rate", nil)
	if err != nil {
		return Quota{}, err
	}
	resp, body, err := c.do(req)
	if err != nil {
		return Quota{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quota{}, &APIError{StatusCode: resp.StatusCode, Code: body.Error, Detail: body.Detail}
	}
	if body.Error != "" {
		return Quota{}, ErrStatusUnavailable
	}
	return Quota{
		Limit:        body.Limit,
		Remaining:    body.Remaining,
		ResetSeconds: body.ResetSeconds,
		Count:        body.Count,
	}, nil
}

func (c *Client) do(req *http.Request) (*http.Response, replyBody, error) {
	var body replyBody
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, body, fmt.Errorf("calling %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, body, fmt.Errorf("reading %s reply: %w", req.URL.Path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil && resp.StatusCode == http.StatusOK {
			return nil, body, fmt.Errorf("decoding %s reply: %w", req.URL.Path, err)
		}
	}
	return resp, body, nil
}

// quotaFromHeaders parses the three rate headers. ok is false unless all
// three are present and numeric.
func quotaFromHeaders(h http.Header) (q Quota, ok bool) {
	limit, err1 := strconv.ParseInt(h.Get("x-rate-limit"), 10, 64)
	remaining, err2 := strconv.ParseInt(h.Get("x-rate-remaining"), 10, 64)
	reset, err3 := strconv.ParseInt(h.Get("x-rate-reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Quota{}, false
	}
	return Quota{
		Limit:        limit,
		Remaining:    remaining,
		ResetSeconds: reset,
		Count:        max(limit-remaining, 0),
	}, true
}
