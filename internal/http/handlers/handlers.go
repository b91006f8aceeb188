// Package handlers implements the status and admin HTTP endpoints. The
// service is headless otherwise; this surface exists for operators and
// the scheduler that provisions tenants.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mochat/wearchive/internal/metrics"
	"github.com/mochat/wearchive/internal/poller"
	"github.com/mochat/wearchive/internal/repo"
)

// Error codes returned in JSON failure bodies.
const (
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
)

// Handler bundles the dependencies of the admin surface.
type Handler struct {
	DB      *gorm.DB
	Sink    *metrics.Sink
	Manager *poller.Manager
}

// New constructs a Handler.
func New(db *gorm.DB, sink *metrics.Sink, mgr *poller.Manager) *Handler {
	return &Handler{DB: db, Sink: sink, Manager: mgr}
}

// Fail writes a standardized JSON error body with the request id.
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       code,
		"message":    message,
	})
}

// Status reports the aggregate pipeline counters, per-tenant health and
// the running poll loops.
func (h *Handler) Status(c *gin.Context) {
	snap := h.Sink.Snapshot()
	total, err := repo.CountRecords(h.DB)
	if err != nil {
		Fail(c, http.StatusInternalServerError, ErrCodeInternal, "record count failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records":  total,
		"pipeline": snap,
		"running":  h.Manager.Running(),
	})
}

// PullTenant re-reads one tenant from the catalog and (re)starts its
// poll loop. Unknown tenants return 404.
func (h *Handler) PullTenant(c *gin.Context) {
	id := c.Param("id")
	found, err := h.Manager.Reload(id)
	if err != nil {
		Fail(c, http.StatusInternalServerError, ErrCodeInternal, "tenant reload failed")
		return
	}
	if !found {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown tenant")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": id, "status": "reloaded"})
}
