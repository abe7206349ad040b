// Package apiclient talks to the editor service API. Client satisfies
// history.Store and collection.Repository so editors can run against a
// remote service the same way they run against a local store.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"layer-editor/internal/collection"
	"layer-editor/internal/entity"
	"layer-editor/internal/history"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client

	// Retries bounds how often a request failing with a transport error or
	// a 5xx status is retried. Zero disables retries.
	Retries int
	Logger  zerolog.Logger
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// Client is an API client.
type Client struct {
	base    string
	http    *http.Client
	retries int
	logger  zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		retries: cfg.Retries,
		logger:  cfg.Logger.With().Str("component", "apiclient").Logger(),
	}
}

var (
	_ history.Store         = (*Client)(nil)
	_ collection.Repository = (*Client)(nil)
)

func (c *Client) SaveVersion(ctx context.Context, rec *history.VersionRecord) (*history.VersionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	var stored history.VersionRecord
	if err := c.do(ctx, http.MethodPost, "/api/versions", rec, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *Client) ListVersions(ctx context.Context, ref entity.Ref, limit int) ([]*history.VersionRecord, error) {
	path := "/api/versions/" + url.PathEscape(string(ref.Type)) + "/" + url.PathEscape(ref.ID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []*history.VersionRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

type itemRequest struct {
	Values collection.Values `json:"values"`
}

func (c *Client) CreateItem(ctx context.Context, collectionID string, values collection.Values) (collection.Item, error) {
	var it collection.Item
	err := c.do(ctx, http.MethodPost, "/api/collections/"+url.PathEscape(collectionID)+"/items", itemRequest{Values: values}, &it)
	return it, err
}

func (c *Client) UpdateItem(ctx context.Context, id string, values collection.Values) (collection.Item, error) {
	var it collection.Item
	err := c.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(id), itemRequest{Values: values}, &it)
	return it, err
}

func (c *Client) DeleteItem(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(id), nil, nil)
}

func (c *Client) GetItem(ctx context.Context, id string) (collection.Item, error) {
	var it collection.Item
	err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), nil, &it)
	return it, err
}

func (c *Client) ListItems(ctx context.Context, collectionID string) ([]collection.Item, error) {
	var items []collection.Item
	err := c.do(ctx, http.MethodGet, "/api/collections/"+url.PathEscape(collectionID)+"/items", nil, &items)
	return items, err
}

// do sends one request, retrying transport errors and 5xx responses with
// exponential backoff. Client errors map back onto the store sentinels.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			serr := statusError(resp)
			if resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(mapStatus(path, serr))
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.retries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		policy = backoff.WithMaxRetries(b, uint64(c.retries))
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Dur("wait", wait).Msg("retrying request")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func statusError(resp *http.Response) *StatusError {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Status: resp.StatusCode, Message: body.Error}
}

func mapStatus(path string, err *StatusError) error {
	switch err.Status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", collection.ErrNotFound, err.Message)
	case http.StatusBadRequest:
		if strings.HasPrefix(path, "/api/versions") {
			return fmt.Errorf("%w: %s", history.ErrInvalidRecord, err.Message)
		}
		return fmt.Errorf("%w: %s", collection.ErrInvalidItem, err.Message)
	}
	return err
}
