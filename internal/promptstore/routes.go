package promptstore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/danmuck/docmesh/internal/httpservice"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the prompt store API on host.
func RegisterRoutes(host *httpservice.Host, store *Store) {
	open := host.Routes()
	guarded := host.Protected()

	guarded.POST("/prompts", func(c *gin.Context) {
		var req CreateRequest
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		p, err := store.Create(req)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	})

	open.GET("/prompts", func(c *gin.Context) {
		prompts := store.List(c.Query("category"))
		c.JSON(http.StatusOK, gin.H{"prompts": prompts, "count": len(prompts)})
	})

	open.GET("/prompts/:id", func(c *gin.Context) {
		p, err := store.Get(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	open.GET("/prompts/by-name/:category/:name", func(c *gin.Context) {
		p, err := store.GetByName(c.Param("category"), c.Param("name"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	guarded.PUT("/prompts/:id", func(c *gin.Context) {
		var req UpdateRequest
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		p, err := store.Update(c.Param("id"), req)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	guarded.DELETE("/prompts/:id", func(c *gin.Context) {
		if err := store.Delete(c.Param("id")); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": c.Param("id")})
	})

	open.GET("/prompts/:id/versions", func(c *gin.Context) {
		versions, err := store.Versions(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions})
	})

	open.GET("/prompts/:id/versions/:version", func(c *gin.Context) {
		n, err := versionParam(c)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		v, err := store.Version(c.Param("id"), n)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, v)
	})

	guarded.POST("/prompts/:id/rollback/:version", func(c *gin.Context) {
		n, err := versionParam(c)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		p, err := store.Rollback(c.Param("id"), n)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	open.POST("/prompts/:id/render", func(c *gin.Context) {
		var req struct {
			Variables map[string]string `json:"variables"`
		}
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		out, p, err := store.RenderPrompt(c.Param("id"), req.Variables)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"prompt_id": p.ID, "version": p.Version, "rendered": out})
	})

	guarded.POST("/ab-tests", func(c *gin.Context) {
		var req struct {
			Name         string  `json:"name"`
			PromptA      string  `json:"prompt_a"`
			PromptB      string  `json:"prompt_b"`
			TrafficSplit float64 `json:"traffic_split"`
		}
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		t, err := store.CreateABTest(req.Name, req.PromptA, req.PromptB, req.TrafficSplit)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	})

	open.GET("/ab-tests/:id", func(c *gin.Context) {
		results, err := store.ABTestResults(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})

	guarded.POST("/ab-tests/:id/end", func(c *gin.Context) {
		t, err := store.EndABTest(c.Param("id"))
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, t)
	})

	open.POST("/ab-tests/:id/select", func(c *gin.Context) {
		var req struct {
			UserKey string `json:"user_key"`
		}
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		v, p, err := store.SelectVariant(c.Param("id"), req.UserKey)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"variant": v, "prompt": p})
	})

	open.POST("/ab-tests/:id/outcome", func(c *gin.Context) {
		var req struct {
			Variant string `json:"variant"`
			Success bool   `json:"success"`
		}
		if err := httpservice.BindJSON(c, &req); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		v, err := ParseVariant(req.Variant)
		if err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		if err := store.RecordOutcome(c.Param("id"), v, req.Success); err != nil {
			httpservice.RespondError(c, statusFor, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
	})
}

func versionParam(c *gin.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("version"))
	if err != nil || n < 1 {
		return 0, ErrInvalidPrompt
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidPrompt), errors.Is(err, ErrInvalidABTest), errors.Is(err, ErrMissingVariable):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrTestInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
