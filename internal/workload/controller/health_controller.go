package controller

import (
	"context"
	"time"

	appErr "warden/pkg/errors"
	"warden/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// Pinger reports liveness of one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController serves the liveness endpoint over the daemon's backing
// stores.
type HealthController struct {
	deps map[string]Pinger
}

// NewHealthController creates a health controller over named dependencies.
// Nil entries are skipped so optional deps need no special casing.
func NewHealthController(deps map[string]Pinger) *HealthController {
	return &HealthController{deps: deps}
}

// Check pings every dependency and reports the first failures found.
func (h *HealthController) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	failed := make(map[string]string)
	for name, dep := range h.deps {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		response.Error(c, appErr.New(appErr.ServiceUnavailable).WithDetail("failed", failed))
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}
