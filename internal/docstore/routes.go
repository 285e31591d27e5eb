package docstore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/gin-gonic/gin"
)

type putRequest struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	SourceType string         `json:"source_type"`
	SourceURL  string         `json:"source_url"`
	Metadata   map[string]any `json:"metadata"`
}

// RegisterRoutes mounts the doc store API on host.
func RegisterRoutes(host *httpservice.Host, store *Store) {
	open := host.Routes()
	guarded := host.Protected()

	guarded.POST("/documents", func(c *gin.Context) {
		var req putRequest
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		doc, duplicate, err := store.Put(c.Request.Context(), Document{
			ID:         req.ID,
			Title:      req.Title,
			Content:    req.Content,
			SourceType: req.SourceType,
			SourceURL:  req.SourceURL,
			Metadata:   req.Metadata,
		})
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		status := http.StatusCreated
		if duplicate {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"document": doc, "duplicate": duplicate})
	})

	open.GET("/documents", func(c *gin.Context) {
		docs, err := store.List(c.Request.Context(), ListOptions{
			Limit:      queryInt(c, "limit", DefaultListLimit),
			Offset:     queryInt(c, "offset", 0),
			SourceType: c.Query("source_type"),
		})
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
	})

	open.GET("/documents/:id", func(c *gin.Context) {
		doc, err := store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	guarded.DELETE("/documents/:id", func(c *gin.Context) {
		if err := store.Delete(c.Request.Context(), c.Param("id")); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": c.Param("id")})
	})

	open.GET("/search", func(c *gin.Context) {
		docs, err := store.Search(c.Request.Context(), c.Query("q"), queryInt(c, "limit", DefaultListLimit))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"query": c.Query("q"), "documents": docs, "count": len(docs)})
	})

	open.GET("/stats", func(c *gin.Context) {
		stats, err := store.Stats(c.Request.Context())
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
