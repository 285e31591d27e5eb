package orchestrator

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/docmesh/internal/auth"
	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/observability"
	"github.com/gin-gonic/gin"
)

const maxProxyBytes = 16 << 20

var forwardedHeaders = []string{"Content-Type", "Accept", "X-Request-ID"}

func registerProxyRoutes(host *httpservice.Host, s *Service) {
	const route = "/services/:name/proxy/*path"
	open := host.Routes()
	guarded := host.Protected()
	handler := func(c *gin.Context) { s.proxy(c) }

	open.GET(route, handler)
	open.HEAD(route, handler)
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		guarded.Handle(method, route, handler)
	}
}

// proxy forwards the request to the named service and relays its response.
func (s *Service) proxy(c *gin.Context) {
	start := time.Now()
	name := c.Param("name")
	method := c.Request.Method
	baseURL, err := s.registry.Resolve(name)
	if err != nil {
		httpservice.RespondError(c, statusFor, err)
		observability.RecordProxy(s.cfg.ID, name, method, http.StatusNotFound, time.Since(start), false)
		return
	}

	url := baseURL + c.Param("path")
	if raw := c.Request.URL.RawQuery; raw != "" {
		url += "?" + raw
	}
	var body io.Reader
	if c.Request.Body != nil && method != http.MethodGet && method != http.MethodHead {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			observability.RecordProxy(s.cfg.ID, name, method, http.StatusBadRequest, time.Since(start), false)
			return
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), method, url, body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to build proxy request"})
		observability.RecordProxy(s.cfg.ID, name, method, http.StatusBadGateway, time.Since(start), false)
		return
	}
	for _, h := range forwardedHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		req.Header.Set(auth.HeaderAPIKey, key)
	}
	req.Header.Set("X-Forwarded-For", c.ClientIP())

	resp, err := s.client.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		s.logger.Error().
			Str("service", name).
			Str("method", method).
			Str("url", url).
			Err(err).
			Msg("proxy_failed")
		observability.RecordProxy(s.cfg.ID, name, method, http.StatusBadGateway, time.Since(start), false)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBytes))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read service response"})
		observability.RecordProxy(s.cfg.ID, name, method, http.StatusBadGateway, time.Since(start), false)
		return
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, data)
	s.logger.Info().
		Str("service", name).
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Msg("proxy")
	observability.RecordProxy(s.cfg.ID, name, method, resp.StatusCode, time.Since(start), resp.StatusCode < 400)
}
