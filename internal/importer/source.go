package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/proxy-pool-dashboard/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// MaxImportBytes caps a single import text received over the network.
const MaxImportBytes = 10 * 1024 * 1024

var ErrTooLarge = errors.New("import text exceeds size limit")

// ReadLimited reads r to the end. It fails with ErrTooLarge rather than
// truncating, since a cut-off last line would parse as a different proxy.
func ReadLimited(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("read import text: %w", err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return string(data), nil
}

// CheckSourceURL accepts absolute http and https URLs only.
func CheckSourceURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse source URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("source URL %q: only absolute http and https URLs are allowed", raw)
	}
	return u, nil
}

// ReadFile returns the whole text of a local import file.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read import file: %w", err)
	}
	return string(data), nil
}

// Fetcher downloads remote plain-text proxy lists.
type Fetcher struct {
	userAgent string
	metrics   *metrics.Collector
	client    *http.Client
	maxBytes  int64
}

type SourceResult struct {
	URL   string `json:"url"`
	Lines int    `json:"lines"`
	Error string `json:"error,omitempty"`
}

func NewFetcher(userAgent string, metricsCollector *metrics.Collector) *Fetcher {
	return &Fetcher{
		userAgent: userAgent,
		metrics:   metricsCollector,
		maxBytes:  MaxImportBytes,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads all urls concurrently and joins their bodies in the order
// the urls were given. Failed sources are reported in the results and skipped.
func (f *Fetcher) Fetch(ctx context.Context, urls []string) (string, []SourceResult, error) {
	if len(urls) == 0 {
		return "", nil, fmt.Errorf("no sources given")
	}

	texts := make([]string, len(urls))
	results := make([]SourceResult, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(idx int, src string) {
			defer wg.Done()

			start := time.Now()
			text, err := f.fetchSource(ctx, src)
			duration := time.Since(start)

			res := SourceResult{URL: src}
			if err != nil {
				res.Error = err.Error()
				log.Warnf("Import source %s failed: %v (took %v)", src, err, duration)
				f.metrics.RecordSourceFetch("failure")
			} else {
				res.Lines = strings.Count(text, "\n") + 1
				log.Infof("Import source %s returned %d bytes (took %v)", src, len(text), duration)
				f.metrics.RecordSourceFetch("success")
			}

			texts[idx] = text
			results[idx] = res
		}(i, u)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed == len(urls) {
		return "", results, fmt.Errorf("all %d sources failed", failed)
	}

	return strings.Join(texts, "\n"), results, nil
}

func (f *Fetcher) fetchSource(ctx context.Context, src string) (string, error) {
	u, err := CheckSourceURL(src)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return ReadLimited(resp.Body, f.maxBytes)
}
