package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/proxy-pool-dashboard/internal/client"
	"github.com/proxy-pool-dashboard/internal/importer"
	"github.com/proxy-pool-dashboard/internal/types"
	log "github.com/sirupsen/logrus"
)

// recentProxyCount is how many proxies the dashboard summary lists.
const recentProxyCount = 5

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleView(c *gin.Context) {
	view := s.view.Get()

	response := gin.H{
		"proxies":  view.Proxies,
		"total":    len(view.Proxies),
		"config":   view.Config,
		"stats":    view.Stats,
		"updated":  view.Updated.Format(time.RFC3339),
		"restored": s.view.Restored(),
	}

	if res, ok := s.sync.LastResult(); ok {
		last := gin.H{
			"outcome":     res.Outcome,
			"at":          res.At.Format(time.RFC3339),
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			last["error"] = res.Err.Error()
		}
		response["last_refresh"] = last
	}

	c.JSON(http.StatusOK, response)
}

// handleDashboard serves the summary tiles: counters, success rate and the
// first few proxies of the pool.
func (s *Server) handleDashboard(c *gin.Context) {
	stats, ok := s.view.Stats()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats not loaded yet"})
		return
	}

	proxies := s.view.Proxies()
	if len(proxies) > recentProxyCount {
		proxies = proxies[:recentProxyCount]
	}

	c.JSON(http.StatusOK, gin.H{
		"total_proxies":  stats.TotalProxies,
		"active_proxies": stats.ActiveProxies,
		"total_requests": stats.TotalRequests,
		"success_rate":   stats.SuccessRate(),
		"recent_proxies": proxies,
	})
}

func (s *Server) handleListProxies(c *gin.Context) {
	status := types.ProxyStatus(c.Query("status"))
	proxyType := types.ProxyType(c.Query("type"))

	proxies := s.view.Proxies()
	if status != "" || proxyType != "" {
		filtered := make([]types.Proxy, 0, len(proxies))
		for _, p := range proxies {
			if status != "" && p.Status != status {
				continue
			}
			if proxyType != "" && p.Type != proxyType {
				continue
			}
			filtered = append(filtered, p)
		}
		proxies = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"proxies": proxies,
		"total":   len(proxies),
	})
}

func (s *Server) handleAddProxy(c *gin.Context) {
	var draft types.ProxyDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if draft.Type == "" {
		draft.Type = types.ProxyHTTP
	}
	if err := draft.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sync.AddProxy(c.Request.Context(), draft); err != nil {
		s.upstreamError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Proxy added successfully"})
}

func (s *Server) handleDeleteProxy(c *gin.Context) {
	if err := s.sync.DeleteProxy(c.Request.Context(), c.Param("id")); err != nil {
		s.upstreamError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Proxy deleted successfully"})
}

type importBody struct {
	Text string   `json:"text"`
	URLs []string `json:"urls"`
}

// handleImport accepts a multipart "file" upload, a text/plain body, or JSON
// with inline text and/or remote list URLs. Network bodies over the import
// limit are rejected with 413 rather than truncated.
func (s *Server) handleImport(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		result  *types.ImportResult
		sources []importer.SourceResult
		err     error
	)

	contentType := c.ContentType()
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		fileHeader, ferr := c.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
			return
		}
		f, ferr := fileHeader.Open()
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": ferr.Error()})
			return
		}
		drafts, perr := importer.ParseReader(f)
		f.Close()
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		result, err = s.sync.ImportProxies(ctx, drafts)

	case contentType == "text/plain":
		text, rerr := importer.ReadLimited(c.Request.Body, s.maxImportBytes)
		if rerr != nil {
			status := http.StatusBadRequest
			if errors.Is(rerr, importer.ErrTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, gin.H{"error": rerr.Error()})
			return
		}
		result, err = s.sync.ImportText(ctx, text)

	default:
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxImportBytes)

		var body importBody
		if berr := c.ShouldBindJSON(&body); berr != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(berr, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			c.JSON(status, gin.H{"error": berr.Error()})
			return
		}

		text := body.Text
		if len(body.URLs) > 0 {
			if status, cerr := s.checkImportSources(body.URLs); cerr != nil {
				c.JSON(status, gin.H{"error": cerr.Error()})
				return
			}
			fetched, results, ferr := s.fetcher.Fetch(ctx, body.URLs)
			sources = results
			if ferr != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": ferr.Error(), "sources": sources})
				return
			}
			text = text + "\n" + fetched
		}
		result, err = s.sync.ImportText(ctx, text)
	}

	if err != nil {
		s.upstreamError(c, err)
		return
	}

	response := gin.H{
		"message": result.Message,
		"parsed":  result.Parsed,
		"added":   result.Added,
	}
	if sources != nil {
		response["sources"] = sources
	}
	c.JSON(http.StatusOK, response)
}

// checkImportSources vets remote list URLs before the dashboard fetches them.
// Without an active API key only hosts in import.allowed_hosts are reachable.
func (s *Server) checkImportSources(urls []string) (int, error) {
	for _, raw := range urls {
		u, err := importer.CheckSourceURL(raw)
		if err != nil {
			return http.StatusBadRequest, err
		}
		if s.apiKey != "" {
			continue
		}

		allowed := false
		for _, host := range s.config.Import.AllowedHosts {
			if strings.EqualFold(host, u.Hostname()) {
				allowed = true
				break
			}
		}
		if !allowed {
			return http.StatusForbidden, fmt.Errorf("fetching from %s is not allowed: enable API key auth or list the host in import.allowed_hosts", u.Hostname())
		}
	}
	return 0, nil
}

func (s *Server) handleValidate(c *gin.Context) {
	if err := s.sync.ValidateAll(c.Request.Context()); err != nil {
		s.upstreamError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Validation started"})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, ok := s.view.Config()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Config not loaded yet"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var cfg types.PoolConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sync.UpdateConfig(c.Request.Context(), cfg); err != nil {
		s.upstreamError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Configuration updated successfully",
		"config":  cfg,
	})
}

func (s *Server) handleGetStats(c *gin.Context) {
	stats, ok := s.view.Stats()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Stats not loaded yet"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleRealtimeStats streams the cached stats as server-sent events.
func (s *Server) handleRealtimeStats(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(s.realtimeInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-s.streams.Done():
			return false
		case <-ticker.C:
			if stats, ok := s.view.Stats(); ok {
				c.SSEvent("stats", stats)
			}
			return true
		}
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	res := s.sync.Refresh(c.Request.Context())
	if !res.Fresh() {
		c.JSON(http.StatusBadGateway, gin.H{
			"outcome": res.Outcome,
			"error":   res.Err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome":     res.Outcome,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// handleWebsocket pushes the whole view on connect and after every commit.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates := s.view.Subscribe()
	defer s.view.Unsubscribe(updates)

	// Reader goroutine only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeView(conn, s.view.Get()); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-s.streams.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case view := <-updates:
			if err := writeView(conn, view); err != nil {
				log.Debugf("Websocket write failed: %v", err)
				return
			}
		}
	}
}

func writeView(conn *websocket.Conn, view *types.View) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(view)
}

// upstreamError maps a failed pool call to a response. Client-side rejections
// by the pool keep their status; everything else is a bad gateway.
func (s *Server) upstreamError(c *gin.Context, err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		c.JSON(apiErr.StatusCode, gin.H{"error": apiErr.Message})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("pool unavailable: %v", err)})
}
