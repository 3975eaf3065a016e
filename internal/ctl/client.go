// Package ctl is the privchatctl client for the daemon's control API:
// plain HTTP over the session unix socket.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/maxohm/privchat/internal/repo"
)

// Client talks to one daemon's control socket.
type Client struct {
	http *http.Client
	base string
}

// New builds a client for the daemon behind socketPath. No connection
// is made until the first call.
func New(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		// Host is ignored by the unix transport but required by net/http.
		base: "http://privchatd",
	}
}

// Status mirrors GET /v1/status.
type Status struct {
	State      string `json:"state"`
	ActivePeer string `json:"active_peer"`
	ConvState  string `json:"conv_state"`
}

// SendResult mirrors the send response.
type SendResult struct {
	ID     int64  `json:"id"`
	SentAt int64  `json:"sent_at"`
	Status string `json:"status"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.get(ctx, "/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Chats(ctx context.Context) ([]repo.ChatSummary, error) {
	var chats []repo.ChatSummary
	if err := c.get(ctx, "/v1/chats", &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) Messages(ctx context.Context, peer string) ([]repo.MessageView, error) {
	var msgs []repo.MessageView
	if err := c.get(ctx, "/v1/chats/"+url.PathEscape(peer)+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) Send(ctx context.Context, peer, body string) (*SendResult, error) {
	var res SendResult
	err := c.post(ctx, "/v1/chats/"+url.PathEscape(peer)+"/messages", map[string]string{"body": body}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) MarkRead(ctx context.Context, peer string) error {
	return c.post(ctx, "/v1/chats/"+url.PathEscape(peer)+"/read", nil, nil)
}

func (c *Client) DeleteChat(ctx context.Context, peer string) error {
	return c.do(ctx, http.MethodDelete, "/v1/chats/"+url.PathEscape(peer), nil, nil)
}

func (c *Client) OpenConversation(ctx context.Context, peer string) error {
	return c.post(ctx, "/v1/conversation/"+url.PathEscape(peer)+"/open", nil, nil)
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.post(ctx, "/v1/conversation/close", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
