package orchestrator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/observability"
	"github.com/danmuck/docmesh/internal/registry"
	"github.com/danmuck/docmesh/internal/workflow"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the registry, health, proxy and workflow APIs on host.
func RegisterRoutes(host *httpservice.Host, s *Service) {
	registerRegistryRoutes(host, s)
	registerProxyRoutes(host, s)
	registerWorkflowRoutes(host, s)
}

func registerRegistryRoutes(host *httpservice.Host, s *Service) {
	open := host.Routes()
	guarded := host.Protected()
	reg := s.registry

	guarded.POST("/registry/services", func(c *gin.Context) {
		var svc registry.Service
		if err := httpservice.BindJSON(c, &svc); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		_, existed := reg.Get(svc.Name)
		stored, err := reg.Register(svc)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		observability.SetRegisteredServices(reg.Len())
		status := http.StatusCreated
		if existed {
			status = http.StatusOK
		}
		s.logger.Info().
			Str("service", stored.Name).
			Str("base_url", stored.BaseURL).
			Int("endpoints", len(stored.Endpoints)).
			Bool("refresh", existed).
			Msg("service registered")
		c.JSON(status, stored)
	})

	open.GET("/registry/services", func(c *gin.Context) {
		services := reg.List()
		c.JSON(http.StatusOK, gin.H{"services": services, "count": len(services)})
	})

	open.GET("/registry/services/:name", func(c *gin.Context) {
		svc, ok := reg.Get(c.Param("name"))
		if !ok {
			httpservice.RespondError(c, statusFor, fmt.Errorf("%w: %s", registry.ErrServiceNotFound, c.Param("name")))
			return
		}
		c.JSON(http.StatusOK, svc)
	})

	guarded.DELETE("/registry/services/:name", func(c *gin.Context) {
		name := c.Param("name")
		if err := reg.Unregister(name); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		observability.SetRegisteredServices(reg.Len())
		s.logger.Info().Str("service", name).Msg("service unregistered")
		c.JSON(http.StatusOK, gin.H{"status": "unregistered", "name": name})
	})

	guarded.POST("/registry/services/:name/heartbeat", func(c *gin.Context) {
		name := c.Param("name")
		if err := reg.Heartbeat(name); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "name": name})
	})

	open.GET("/health/system", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.SystemHealth(c.Request.Context()))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound), errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidService),
		errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, workflow.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrNotExecutable),
		errors.Is(err, workflow.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
