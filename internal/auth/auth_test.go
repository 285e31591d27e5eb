package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/docmesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Err(err).Msg("auth/static-token")
		})
	}
}

func TestFuncValidator(t *testing.T) {
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected ok token accepted, got %v", err)
	}
	if err := validator.Validate("nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestMiddlewareGuardsRoutes(t *testing.T) {
	testlog.Start(t)

	r := gin.New()
	r.POST("/open", Middleware(FromKey("")), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/guarded", Middleware(FromKey("secret")), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		path   string
		header string
		value  string
		want   int
	}{
		{path: "/open", want: http.StatusNoContent},
		{path: "/guarded", want: http.StatusUnauthorized},
		{path: "/guarded", header: HeaderAPIKey, value: "wrong", want: http.StatusUnauthorized},
		{path: "/guarded", header: HeaderAPIKey, value: "secret", want: http.StatusNoContent},
		{path: "/guarded", header: "Authorization", value: "Bearer secret", want: http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s %s=%q: expected %d, got %d", tc.path, tc.header, tc.value, tc.want, rr.Code)
		}
	}
}
