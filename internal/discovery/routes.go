package discovery

import (
	"io"
	"net/http"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the discovery API on host.
func RegisterRoutes(host *httpservice.Host, agent *Agent) {
	open := host.Routes()
	guarded := host.Protected()

	guarded.POST("/discover", func(c *gin.Context) {
		var req Request
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		res, err := agent.Discover(c.Request.Context(), req)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	guarded.POST("/discover/batch", func(c *gin.Context) {
		var req struct {
			Targets []Request `json:"targets"`
		}
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		results := agent.DiscoverAll(c.Request.Context(), req.Targets)
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results), "failed": failed})
	})

	open.POST("/parse", func(c *gin.Context) {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxSpecBytes+1))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		if len(data) > MaxSpecBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "spec too large"})
			return
		}
		spec, err := ParseSpec(data)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"format":    spec.Format,
			"title":     spec.Title,
			"version":   spec.Version,
			"endpoints": spec.Endpoints,
			"count":     len(spec.Endpoints),
		})
	})

	open.GET("/discovered", func(c *gin.Context) {
		results := agent.Discovered()
		c.JSON(http.StatusOK, gin.H{"services": results, "count": len(results)})
	})
}
