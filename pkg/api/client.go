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
	"time"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Client talks to a running node's command server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server listening at addr (host:port or URL)
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Minute},
	}
}

// do sends body as JSON and decodes a JSON reply into out when it is non-nil
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("node returned %s", resp.Status)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", types.ErrNotFound, e.Error)
	}
	return fmt.Errorf("node returned %s: %s", resp.Status, e.Error)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

func (c *Client) Listen(ctx context.Context, addr string) (string, error) {
	var resp ListenResponse
	err := c.do(ctx, http.MethodPost, "/listen", ListenRequest{Addr: addr}, &resp)
	return resp.PeerID, err
}

func (c *Client) Peers(ctx context.Context, availableOnly bool) ([]string, error) {
	path := "/peers"
	if availableOnly {
		path = "/peers/available"
	}
	var resp PeersResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Peers, err
}

func (c *Client) PeerDetails(ctx context.Context) ([]PeerDetail, error) {
	var details []PeerDetail
	err := c.do(ctx, http.MethodGet, "/peers/detail", nil, &details)
	return details, err
}

func (c *Client) PeerDetail(ctx context.Context, peerID string) (*PeerDetail, error) {
	var detail PeerDetail
	if err := c.do(ctx, http.MethodGet, "/peers/"+url.PathEscape(peerID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) Dial(ctx context.Context, peerID, addr string) error {
	return c.do(ctx, http.MethodPost, "/peers/dial", DialRequest{PeerID: peerID, Addr: addr}, nil)
}

func (c *Client) Address(ctx context.Context) (*AddressResponse, error) {
	var resp AddressResponse
	if err := c.do(ctx, http.MethodGet, "/address", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Provide(ctx context.Context, req ProvideRequest) (*ProvideResponse, error) {
	var resp ProvideResponse
	if err := c.do(ctx, http.MethodPost, "/content/provide", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StopProviding(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodDelete, "/content/provide/"+url.PathEscape(subscriptionID), nil, nil)
}

// Get downloads a file; chunked selects reassembly from individual chunks
func (c *Client) Get(ctx context.Context, hash string, chunked bool) ([]byte, error) {
	path := "/content/" + url.PathEscape(hash)
	if chunked {
		path += "?chunked=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Lock(ctx context.Context, req LockRequest) error {
	return c.do(ctx, http.MethodPost, "/content/lock", req, nil)
}

func (c *Client) Unlock(ctx context.Context, req UnlockRequest) error {
	return c.do(ctx, http.MethodPost, "/content/unlock", req, nil)
}

func (c *Client) Locked(ctx context.Context) ([]types.ChunkLock, error) {
	var locks []types.ChunkLock
	err := c.do(ctx, http.MethodGet, "/content/locked", nil, &locks)
	return locks, err
}

func (c *Client) LockedByPeer(ctx context.Context, peerID string) ([]string, error) {
	var hashes []string
	err := c.do(ctx, http.MethodGet, "/content/locked?peer="+url.QueryEscape(peerID), nil, &hashes)
	return hashes, err
}

func (c *Client) Provided(ctx context.Context) ([]types.ProvidedContent, error) {
	var provided []types.ProvidedContent
	err := c.do(ctx, http.MethodGet, "/content/provided", nil, &provided)
	return provided, err
}

func (c *Client) ProvidedByPeer(ctx context.Context, peerID string) ([]string, error) {
	var hashes []string
	err := c.do(ctx, http.MethodGet, "/content/provided?peer="+url.QueryEscape(peerID), nil, &hashes)
	return hashes, err
}

func (c *Client) Chunks(ctx context.Context, hash string) ([]types.ChunkLock, error) {
	var chunks []types.ChunkLock
	err := c.do(ctx, http.MethodGet, "/content/"+url.PathEscape(hash)+"/chunks", nil, &chunks)
	return chunks, err
}

func (c *Client) Cache(ctx context.Context) (*CacheResponse, error) {
	var resp CacheResponse
	if err := c.do(ctx, http.MethodGet, "/cache", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Nodes(ctx context.Context) ([]types.NodeRecord, error) {
	var nodes []types.NodeRecord
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}
