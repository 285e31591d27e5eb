package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/danmuck/docmesh/internal/workflow"
	"github.com/gin-gonic/gin"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
	defaultWait      = time.Minute
	maxWait          = 10 * time.Minute
)

type executeRequest struct {
	Params      map[string]any `json:"params"`
	TriggeredBy string         `json:"triggered_by"`
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func registerWorkflowRoutes(host *httpservice.Host, s *Service) {
	open := host.Routes()
	guarded := host.Protected()
	wf := s.workflows

	guarded.POST("/workflows", func(c *gin.Context) {
		var def workflow.Definition
		if err := httpservice.BindJSON(c, &def); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		created, err := wf.Create(c.Request.Context(), def)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	open.GET("/workflows", func(c *gin.Context) {
		var status workflow.Status
		if raw := c.Query("status"); raw != "" {
			parsed, ok := workflow.ParseStatus(raw)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", raw)})
				return
			}
			status = parsed
		}
		items := wf.List(status)
		c.JSON(http.StatusOK, gin.H{"workflows": items, "count": len(items)})
	})

	open.GET("/workflows/:id", func(c *gin.Context) {
		w, err := wf.Get(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	guarded.PUT("/workflows/:id", func(c *gin.Context) {
		var def workflow.Definition
		if err := httpservice.BindJSON(c, &def); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		w, err := wf.Update(c.Request.Context(), c.Param("id"), def)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, w)
	})

	guarded.POST("/workflows/:id/activate", func(c *gin.Context) {
		respondWorkflow(c, func(ctx context.Context, id string) (workflow.Workflow, error) {
			return wf.Activate(ctx, id)
		})
	})

	guarded.POST("/workflows/:id/pause", func(c *gin.Context) {
		var req pauseRequest
		if err := httpservice.BindOptionalJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		respondWorkflow(c, func(ctx context.Context, id string) (workflow.Workflow, error) {
			return wf.Pause(ctx, id, req.Reason)
		})
	})

	guarded.POST("/workflows/:id/archive", func(c *gin.Context) {
		respondWorkflow(c, func(ctx context.Context, id string) (workflow.Workflow, error) {
			return wf.Archive(ctx, id)
		})
	})

	guarded.POST("/workflows/:id/execute", func(c *gin.Context) {
		var req executeRequest
		if err := httpservice.BindOptionalJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		wait := queryBool(c, "wait")
		var timeout time.Duration
		if wait {
			d, err := waitTimeout(c.Query("timeout"))
			if err != nil {
				httpservice.RespondError(c, statusFor, err)
				return
			}
			timeout = d
		}
		x, err := wf.Execute(c.Request.Context(), c.Param("id"), req.Params, workflow.ExecuteOptions{
			TriggeredBy: req.TriggeredBy,
		})
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		if !wait {
			c.JSON(http.StatusAccepted, x)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		done, err := wf.Wait(ctx, x.ID)
		if err != nil {
			// Still running; the caller polls GET /executions/:id.
			c.JSON(http.StatusAccepted, done)
			return
		}
		c.JSON(http.StatusOK, done)
	})

	open.GET("/workflows/:id/events", func(c *gin.Context) {
		respondEvents(c, wf, workflow.AggregateWorkflow, c.Param("id"))
	})

	open.GET("/workflows/:id/executions", func(c *gin.Context) {
		id := c.Param("id")
		if _, err := wf.Get(id); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		items := wf.Executions(id)
		c.JSON(http.StatusOK, gin.H{"executions": items, "count": len(items)})
	})

	open.GET("/executions/:id", func(c *gin.Context) {
		x, err := wf.Execution(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, x)
	})

	guarded.POST("/executions/:id/cancel", func(c *gin.Context) {
		x, err := wf.Cancel(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusAccepted, x)
	})

	open.GET("/executions/:id/events", func(c *gin.Context) {
		respondEvents(c, wf, workflow.AggregateExecution, c.Param("id"))
	})

	open.GET("/events", func(c *gin.Context) {
		since, err := queryInt(c, "since", 0)
		if err != nil || since < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a non-negative integer"})
			return
		}
		limit, err := queryInt(c, "limit", defaultEventPage)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if limit > maxEventPage {
			limit = maxEventPage
		}
		recs, err := wf.EventsSince(c.Request.Context(), since, int(limit))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		next := since
		if len(recs) > 0 {
			next = recs[len(recs)-1].Seq
		}
		c.JSON(http.StatusOK, gin.H{"events": recs, "count": len(recs), "next": next})
	})
}

func respondWorkflow(c *gin.Context, cmd func(ctx context.Context, id string) (workflow.Workflow, error)) {
	w, err := cmd(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpservice.RespondError(c, statusFor, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// respondEvents serves one aggregate's stream; an id naming the other
// aggregate kind is not found on this route.
func respondEvents(c *gin.Context, wf *workflow.Service, aggregateType, id string) {
	recs, err := wf.Events(c.Request.Context(), id)
	if err != nil {
		httpservice.RespondError(c, statusFor, err)
		return
	}
	if recs[0].AggregateType != aggregateType {
		httpservice.RespondError(c, statusFor, fmt.Errorf("%w: %s %s", workflow.ErrNotFound, aggregateType, id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs, "count": len(recs)})
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}

func queryInt(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func waitTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: timeout must be a positive duration", httpservice.ErrBadRequest)
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

