package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps supervisor error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAborted), errors.Is(err, supervisor.ErrAlreadyMonitoring):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrReadinessTimeout):
		// also carries ErrHealthCheckFailure, so it must be matched first
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrSpawnFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
