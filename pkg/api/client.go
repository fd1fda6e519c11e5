package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to an agency over its HTTP surface. It is given every
// endpoint in the cluster and tries them in turn until one accepts the
// request, so callers never track leadership themselves.
type Client struct {
	endpoints []string
	clientID  string
	http      *http.Client
}

// NewClient builds a client with a fresh stable identity; retries of
// the same logical request reuse a request id and dedup server side.
func NewClient(endpoints []string) *Client {
	return &Client{
		endpoints: endpoints,
		clientID:  uuid.NewString(),
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// ClientID exposes the identity used for idempotent resubmission.
func (c *Client) ClientID() string { return c.clientID }

// NewRequestID mints the id a caller should hold on to across retries
// of one logical write.
func (c *Client) NewRequestID() string { return uuid.NewString() }

// WriteResponse is the decoded /write reply.
type WriteResponse struct {
	Accepted bool     `json:"accepted"`
	Redirect string   `json:"redirect"`
	Applied  []string `json:"applied"`
	Indices  []uint64 `json:"indices"`
}

// Write submits transactions, filling in this client's identity where
// a transaction carries none.
func (c *Client) Write(ctx context.Context, txns []Transaction) (WriteResponse, error) {
	for i := range txns {
		if txns[i].ClientID == "" {
			txns[i].ClientID = c.clientID
		}
		if txns[i].RequestID == "" {
			txns[i].RequestID = uuid.NewString()
		}
	}
	var out WriteResponse
	err := c.post(ctx, "/write", txns, &out)
	return out, err
}

// ReadResponse is the decoded /read reply.
type ReadResponse struct {
	Accepted bool              `json:"accepted"`
	Result   []json.RawMessage `json:"result"`
}

func (c *Client) Read(ctx context.Context, paths []string) (ReadResponse, error) {
	var out ReadResponse
	err := c.post(ctx, "/read", paths, &out)
	return out, err
}

// ErrNoLeader is returned when no endpoint would accept the request.
var ErrNoLeader = errors.New("api: no reachable leader")

// post walks the endpoint list until some node accepts the request; a
// redirect, a 503 or any other non-OK answer moves on to the next
// endpoint.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error = ErrNoLeader
	for _, ep := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			case resp.StatusCode == http.StatusTemporaryRedirect,
				resp.StatusCode == http.StatusServiceUnavailable:
				lastErr = ErrNoLeader
			default:
				lastErr = fmt.Errorf("api: %s returned %s", ep+path, resp.Status)
			}
		}()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
