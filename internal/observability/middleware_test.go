package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/docmesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRequestLoggerEscalatesOnClientErrors(t *testing.T) {
	testlog.Start(t)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware("test-node"))
	r.GET("/items/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "missing"})
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rr.Code)
	}

	line := buf.String()
	if !strings.Contains(line, `"level":"warn"`) {
		t.Fatalf("expected warn level, got %q", line)
	}
	if !strings.Contains(line, `"path":"/items/:id"`) {
		t.Fatalf("expected route template path, got %q", line)
	}
}
