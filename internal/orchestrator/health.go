package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/danmuck/docmesh/internal/registry"
	"golang.org/x/sync/errgroup"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

const healthFanOut = 8

// ServiceHealth is the health check result for one registered service.
type ServiceHealth struct {
	Name       string    `json:"name"`
	BaseURL    string    `json:"base_url"`
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// SystemHealth summarizes the ecosystem.
type SystemHealth struct {
	Status    string          `json:"status"`
	Healthy   int             `json:"healthy"`
	Total     int             `json:"total"`
	Services  []ServiceHealth `json:"services"`
	CheckedAt time.Time       `json:"checked_at"`
}

// SystemHealth polls /health on every registered service concurrently.
func (s *Service) SystemHealth(ctx context.Context) SystemHealth {
	services := s.registry.List()
	results := make([]ServiceHealth, len(services))
	timeout := durationOr(s.cfg.HealthTimeout, 2*time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthFanOut)
	for i, svc := range services {
		g.Go(func() error {
			results[i] = s.checkService(gctx, svc, timeout)
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for _, r := range results {
		if r.Status == "ok" {
			healthy++
		}
	}
	return SystemHealth{
		Status:    overallHealth(healthy, len(results)),
		Healthy:   healthy,
		Total:     len(results),
		Services:  results,
		CheckedAt: time.Now().UTC(),
	}
}

func overallHealth(healthy, total int) string {
	switch {
	case total == 0:
		return HealthUnknown
	case healthy == total:
		return HealthHealthy
	case healthy > 0:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

func (s *Service) checkService(ctx context.Context, svc registry.Service, timeout time.Duration) ServiceHealth {
	out := ServiceHealth{Name: svc.Name, BaseURL: svc.BaseURL, LastSeen: svc.LastSeen}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL+"/health", nil)
	if err != nil {
		out.Status = "unreachable"
		out.Error = err.Error()
		return out
	}
	resp, err := s.client.Do(req)
	out.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		out.Status = "unreachable"
		out.Error = err.Error()
		s.logger.Debug().Str("service", svc.Name).Err(err).Msg("health check failed")
		return out
	}
	resp.Body.Close()
	out.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Status = "ok"
	} else {
		out.Status = "unhealthy"
	}
	return out
}
