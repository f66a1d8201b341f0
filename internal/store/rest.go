package store

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

// RESTStore sends one command per HTTPS request as a JSON array
// (["INCR","key"]) authenticated with a bearer token. Replies are
// {"result": ...} on success and {"error": "..."} on failure.
type RESTStore struct {
	url    string
	token  string
	client *http.Client
}

// NewRESTStore returns a store for the endpoint at url.
func NewRESTStore(url, token string, timeout time.Duration) *RESTStore {
	return &RESTStore{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type restReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// command executes args and returns the raw "result" member.
func (s *RESTStore) command(ctx context.Context, args ...string) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var reply restReply
	if err := json.Unmarshal(data, &reply); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return reply.Result, nil
}

// commandInt runs a command whose reply is an integer. Some deployments
// return integers as strings, which is accepted too.
func (s *RESTStore) commandInt(ctx context.Context, args ...string) (int64, error) {
	raw, err := s.command(ctx, args...)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("unexpected %s reply %s", args[0], raw)
	}
	return strconv.ParseInt(str, 10, 64)
}

func (s *RESTStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.commandInt(ctx, "INCR", key)
	if err != nil {
		return 0, unavailable("INCR", err)
	}
	return n, nil
}

func (s *RESTStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := s.commandInt(ctx, "EXPIRE", key, strconv.FormatInt(int64(ttl/time.Second), 10))
	if err != nil {
		return false, unavailable("EXPIRE", err)
	}
	return n == 1, nil
}

func (s *RESTStore) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.command(ctx, "GET", key)
	if err != nil {
		return "", false, unavailable("GET", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		// Integer-valued replies are returned verbatim.
		return string(raw), true, nil
	}
	return v, true, nil
}

func (s *RESTStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	n, err := s.commandInt(ctx, "TTL", key)
	if err != nil {
		return 0, false, unavailable("TTL", err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return time.Duration(n) * time.Second, true, nil
}

func (s *RESTStore) Ping(ctx context.Context) error {
	if _, err := s.command(ctx, "PING"); err != nil {
		return unavailable("PING", err)
	}
	return nil
}

func (s *RESTStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
