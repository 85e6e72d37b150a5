package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/session"
	"github.com/banshee-data/mocapfusion/internal/storage"
)

// APIError is a non-2xx control plane response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client drives a running server's control plane.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base (e.g.
// "http://localhost:8090"). A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) Record(ctx context.Context) (storage.SessionMetadata, error) {
	var meta storage.SessionMetadata
	err := c.call(ctx, http.MethodPost, "/api/session/record", nil, &meta)
	return meta, err
}

func (c *Client) StopRecord(ctx context.Context) (storage.SessionMetadata, error) {
	var meta storage.SessionMetadata
	err := c.call(ctx, http.MethodPost, "/api/session/record/stop", nil, &meta)
	return meta, err
}

// PlayResult is the reply to a play command.
type PlayResult struct {
	Session       storage.SessionMetadata `json:"session"`
	StreamingPort int                     `json:"udp.streaming.port"`
	Receiver      string                  `json:"receiver,omitempty"`
}

// Play starts playback of [start, end] of a session. end < 0 plays to the
// end. A non-empty host registers host:port as a UDP receiver.
func (c *Client) Play(ctx context.Context, source, name string, start, end int64, host string, port int) (PlayResult, error) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("name", name)
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("end", strconv.FormatInt(end, 10))
	if host != "" {
		q.Set("host", host)
		q.Set("port", strconv.Itoa(port))
	}
	var res PlayResult
	err := c.call(ctx, http.MethodPost, "/api/session/play", q, &res)
	return res, err
}

func (c *Client) Pause(ctx context.Context) (session.Status, error) {
	return c.command(ctx, "/api/session/pause", nil)
}

func (c *Client) Resume(ctx context.Context) (session.Status, error) {
	return c.command(ctx, "/api/session/resume", nil)
}

func (c *Client) Stop(ctx context.Context) (session.Status, error) {
	return c.command(ctx, "/api/session/stop", nil)
}

func (c *Client) Jump(ctx context.Context, millis int64) (session.Status, error) {
	return c.command(ctx, "/api/session/jump", url.Values{"millis": {strconv.FormatInt(millis, 10)}})
}

func (c *Client) command(ctx context.Context, path string, q url.Values) (session.Status, error) {
	var st session.Status
	err := c.call(ctx, http.MethodPost, path, q, &st)
	return st, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Sessions lists the sessions stored in source.
func (c *Client) Sessions(ctx context.Context, source string) ([]storage.SessionMetadata, error) {
	var list []storage.SessionMetadata
	err := c.call(ctx, http.MethodGet, "/api/sessions", url.Values{"source": {source}}, &list)
	return list, err
}

// DeleteSession removes a finished session from source.
func (c *Client) DeleteSession(ctx context.Context, source, name string) error {
	q := url.Values{"source": {source}, "name": {name}}
	return c.call(ctx, http.MethodDelete, "/api/session", q, nil)
}
