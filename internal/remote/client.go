// Package remote implements gateway.Gateway against a chairside server's
// HTTP API, so a synchronized store can mirror collections held elsewhere.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/transport"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultReadTimeout = time.Minute
)

// ErrUnexpectedResponse is returned for responses the client cannot interpret.
var ErrUnexpectedResponse = errors.New("unexpected response")

// Client talks to a chairside server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	// readTimeout bounds the silence tolerated on a change stream. Server
	// pings extend it.
	readTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithReadTimeout overrides how long a change stream may stay silent.
func WithReadTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.readTimeout = d }
}

// New creates a client for the server at baseURL. token may be empty when
// the server has authentication disabled.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https: %q", baseURL)
	}
	c := &Client{
		base:        base,
		token:       token,
		http:        &http.Client{Timeout: defaultTimeout},
		dialer:      &websocket.Dialer{HandshakeTimeout: defaultTimeout},
		logger:      slog.New(slog.DiscardHandler),
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken replaces the bearer token used for later calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ExchangeAPIKey trades a long-lived API key for a session token and starts
// using it.
func (c *Client) ExchangeAPIKey(ctx context.Context, apiKey string) (transport.TokenResponse, error) {
	var out transport.TokenResponse
	body := map[string]string{"api_key": apiKey}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", nil, body, http.StatusOK, &out); err != nil {
		return transport.TokenResponse{}, err
	}
	c.token = out.Token
	return out, nil
}

func (c *Client) Query(ctx context.Context, collection string, filter record.Filter, order record.Order) ([]record.Record, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return nil, err
	}
	query, err := transport.EncodeQuery(filter, &order)
	if err != nil {
		return nil, err
	}
	var out transport.ListResponse
	if err := c.do(ctx, http.MethodGet, collectionPath(collection), query, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	if out.Records == nil {
		out.Records = []record.Record{}
	}
	return out.Records, nil
}

func (c *Client) Insert(ctx context.Context, collection string, payload record.Fields) (record.Record, error) {
	if err := record.ValidateCollection(collection); err != nil {
		return record.Record{}, err
	}
	var out record.Record
	if err := c.do(ctx, http.MethodPost, collectionPath(collection), nil, payload, http.StatusCreated, &out); err != nil {
		return record.Record{}, err
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, fields record.Fields) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, recordPath(collection, id), nil, fields, http.StatusNoContent, nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := record.ValidateCollection(collection); err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, recordPath(collection, id), nil, nil, http.StatusNoContent, nil)
}

func collectionPath(collection string) string {
	return "/v1/collections/" + collection
}

func recordPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func (c *Client) endpoint(path string, query url.Values) *url.URL {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode body: %v", record.ErrInvalidInput, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query).String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("remote call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: %w", method, path, decodeError(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeError turns an error response back into the sentinel the server
// classified it from.
func decodeError(resp *http.Response) error {
	var body transport.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("%w: status %d", ErrUnexpectedResponse, resp.StatusCode)
	}

	var sentinel error
	switch body.Error.Code {
	case transport.CodeNotFound:
		sentinel = gateway.ErrNotFound
	case transport.CodeFilterUnsupported:
		sentinel = gateway.ErrFilterUnsupported
	case transport.CodeSubscriptionUnavailable:
		sentinel = gateway.ErrSubscriptionUnavailable
	case transport.CodeInvalidRequest:
		sentinel = record.ErrInvalidInput
	case transport.CodeUnauthorized:
		sentinel = transport.ErrUnauthorized
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, resp.StatusCode, body.Error.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, body.Error.Message)
}
