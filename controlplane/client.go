package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/st-keller/vnet/component"
	"github.com/st-keller/vnet/transport"
	"github.com/st-keller/vnet/types"
)

// ErrNotModified is returned by Component when the ETag still matches.
var ErrNotModified = errors.New("controlplane: not modified")

// Client talks to a control plane over HTTP/2 prior knowledge.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at addr (host:port or URL).
func NewClient(addr string) (*Client, error) {
	hc, err := transport.BuildHTTP2Client(10 * time.Second)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimSuffix(addr, "/"), http: hc}, nil
}

// Components lists the component ids the node serves.
func (c *Client) Components(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var idx indexResponse
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return idx.Components, nil
}

// Component fetches component id. A non-empty etag makes the request
// conditional.
func (c *Client) Component(ctx context.Context, id, etag string) (component.Component, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+id, nil)
	if err != nil {
		return component.Component{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return component.Component{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return component.Component{}, ErrNotModified
	default:
		return component.Component{}, statusError(resp)
	}
	var comp component.Component
	if err := json.NewDecoder(resp.Body).Decode(&comp); err != nil {
		return component.Component{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return comp, nil
}

// Join asks the node to join nwid.
func (c *Client) Join(ctx context.Context, nwid types.NetworkID) error {
	return c.membership(ctx, http.MethodPut, nwid)
}

// Leave asks the node to leave nwid.
func (c *Client) Leave(ctx context.Context, nwid types.NetworkID) error {
	return c.membership(ctx, http.MethodDelete, nwid)
}

func (c *Client) membership(ctx context.Context, method string, nwid types.NetworkID) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/networks/"+nwid.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e errorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("control plane: %s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("control plane: %s", resp.Status)
}
