package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/profile"
)

// StatusError is returned for a non-2xx API response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Client talks to a running node's API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the API at address (host:port or URL).
func NewClient(address, token string) *Client {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		token:   token,
		// No overall timeout: exchanges wait on the remote user. Callers
		// bound requests with their context.
		httpClient: &http.Client{},
	}
}

// ID retrieves the node's identity and ticket.
func (c *Client) ID(ctx context.Context) (*IDResponse, error) {
	var resp IDResponse
	if err := c.do(ctx, http.MethodGet, "/v1/id", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Profile retrieves the local profile.
func (c *Client) Profile(ctx context.Context) (*profile.ShareData, error) {
	var sd profile.ShareData
	if err := c.do(ctx, http.MethodGet, "/v1/profile", nil, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// SetProfile replaces the local profile.
func (c *Client) SetProfile(ctx context.Context, sd *profile.ShareData) error {
	return c.do(ctx, http.MethodPut, "/v1/profile", sd, nil)
}

// StartDiscovery starts LAN discovery on the node.
func (c *Client) StartDiscovery(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/discovery/start", nil, nil)
}

// StopDiscovery stops LAN discovery on the node.
func (c *Client) StopDiscovery(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/discovery/stop", nil, nil)
}

// Peers lists recently sighted peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var resp PeersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/peers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Requests lists pending incoming requests.
func (c *Client) Requests(ctx context.Context) (*RequestsResponse, error) {
	var resp RequestsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/requests", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send sends a friend request to peer (endpoint ID or ticket) and waits
// for the exchange. A nil profile uses the node's own.
func (c *Client) Send(ctx context.Context, peer string, sd *profile.ShareData) (*ExchangeResponse, error) {
	var resp ExchangeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/requests/send", SendRequest{Peer: peer, Profile: sd}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Accept accepts the oldest pending request from remote.
func (c *Client) Accept(ctx context.Context, remote identity.EndpointID, sd *profile.ShareData) (*ExchangeResponse, error) {
	var resp ExchangeResponse
	path := "/v1/requests/" + remote.String() + "/accept"
	if err := c.do(ctx, http.MethodPost, path, AcceptRequest{Profile: sd}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reject rejects the oldest pending request from remote.
func (c *Client) Reject(ctx context.Context, remote identity.EndpointID) error {
	return c.do(ctx, http.MethodPost, "/v1/requests/"+remote.String()+"/reject", nil, nil)
}

// Events streams events until ctx ends or the server closes the stream.
// fn is called for each event in order; a non-nil return stops the stream.
func (c *Client) Events(ctx context.Context, fn func(friend.Event) error) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil {
			return &StatusError{Status: resp.StatusCode, Message: "event stream"}
		}
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodySize * 2)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		ev, err := friend.UnmarshalEvent(data)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &StatusError{Status: resp.StatusCode, Message: er.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
