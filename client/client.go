// Package client is a Go client for the relay's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wricardo/move-car-relay/relay/protocol"
	"github.com/wricardo/move-car-relay/relay/registry"
)

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.Status)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.Status, e.Message)
}

// RoomList is the body of GET /api/rooms.
type RoomList struct {
	Count int             `json:"count"`
	Rooms []registry.Info `json:"rooms"`
}

// Client calls a running relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Push sends env through the router. env.RoomID selects the room.
func (c *Client) Push(ctx context.Context, env protocol.PushEnvelope) (protocol.PushAck, error) {
	var ack protocol.PushAck
	err := c.do(ctx, http.MethodPost, protocol.PushPath, env, &ack)
	return ack, err
}

// PushToRoom sends env straight to the channel of roomID.
func (c *Client) PushToRoom(ctx context.Context, roomID string, env protocol.PushEnvelope) (protocol.PushAck, error) {
	var ack protocol.PushAck
	path := "/rooms/" + url.PathEscape(roomID) + protocol.PushPath
	err := c.do(ctx, http.MethodPost, path, env, &ack)
	return ack, err
}

// Rooms lists the live channels.
func (c *Client) Rooms(ctx context.Context) (RoomList, error) {
	var list RoomList
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &list)
	return list, err
}

// Status fetches the router status.
func (c *Client) Status(ctx context.Context) (protocol.StatusBody, error) {
	var status protocol.StatusBody
	err := c.do(ctx, http.MethodGet, "/", nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp protocol.ErrorBody
		json.NewDecoder(resp.Body).Decode(&errResp)
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
