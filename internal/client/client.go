package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proxy-pool-dashboard/internal/metrics"
	"github.com/proxy-pool-dashboard/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Client talks to the pool service REST API.
type Client struct {
	baseURL string
	apiKey  string
	metrics *metrics.Collector
	http    *http.Client
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
	// SOCKS5Proxy, when set, is a host:port the client dials the pool through.
	SOCKS5Proxy string
	Metrics     *metrics.Collector
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pool API: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("pool API: HTTP %d: %s", e.StatusCode, e.Message)
}

func New(opts Options) (*Client, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	if opts.SOCKS5Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", opts.SOCKS5Proxy, nil, &net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		log.Infof("Pool API requests go through SOCKS5 proxy %s", opts.SOCKS5Proxy)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		metrics: opts.Metrics,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}, nil
}

func (c *Client) GetProxies(ctx context.Context) (*types.ProxyList, error) {
	var out types.ProxyList
	if err := c.do(ctx, http.MethodGet, "/proxies", "/proxies", nil, &out); err != nil {
		return nil, err
	}
	if out.Proxies == nil {
		out.Proxies = []types.Proxy{}
	}
	return &out, nil
}

func (c *Client) AddProxy(ctx context.Context, draft types.ProxyDraft) error {
	return c.do(ctx, http.MethodPost, "/proxies", "/proxies", draft, nil)
}

func (c *Client) DeleteProxy(ctx context.Context, id string) error {
	path := "/proxies/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, path, "/proxies/:id", nil, nil)
}

func (c *Client) ImportProxies(ctx context.Context, drafts []types.ProxyDraft) (*types.ImportResult, error) {
	var out types.ImportResult
	body := types.ImportRequest{Proxies: drafts}
	if err := c.do(ctx, http.MethodPost, "/proxies/import", "/proxies/import", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateProxies asks the pool to validate every proxy. The pool runs the
// validation in the background and answers before it finishes.
func (c *Client) ValidateProxies(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/proxies/validate", "/proxies/validate", nil, nil)
}

func (c *Client) GetConfig(ctx context.Context) (*types.PoolConfig, error) {
	var out types.PoolConfig
	if err := c.do(ctx, http.MethodGet, "/config", "/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateConfig(ctx context.Context, cfg types.PoolConfig) error {
	return c.do(ctx, http.MethodPut, "/config", "/config", cfg, nil)
}

func (c *Client) GetStats(ctx context.Context) (*types.Stats, error) {
	var out types.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", "/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request. endpoint is the route template used as metric label.
func (c *Client) do(ctx context.Context, method, path, endpoint string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.New().String())
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(method, endpoint, "error", time.Since(start).Seconds())
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamRequest(method, endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return apiErr
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
