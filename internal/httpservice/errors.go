package httpservice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrBadRequest marks request decoding failures.
var ErrBadRequest = errors.New("bad request")

// StatusMapper translates a domain error into an HTTP status.
type StatusMapper func(err error) int

// RespondError writes {"error": ...} using the mapped status.
func RespondError(c *gin.Context, mapper StatusMapper, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrBadRequest) {
		status = http.StatusBadRequest
	} else if mapper != nil {
		status = mapper(err)
	}
	if status >= 500 {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

const maxBodyBytes = 8 << 20

// BindJSON decodes the request body into out, rejecting unknown fields.
func BindJSON(c *gin.Context, out any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// BindOptionalJSON is BindJSON for endpoints where the body may be omitted.
// An empty body leaves out untouched.
func BindOptionalJSON(c *gin.Context, out any) error {
	if c.Request.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
