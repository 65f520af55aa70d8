package rest

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/relaychat/server/audit"
	"github.com/relaychat/server/broadcast"
	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/scheduler"
	"go.uber.org/zap"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	reg    *presence.Registry
	router *broadcast.Router
	sched  *scheduler.Scheduler
	audit  *audit.Service
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler. auditSvc may be nil.
func NewAdminHandler(
	reg *presence.Registry,
	router *broadcast.Router,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{reg: reg, router: router, sched: sched, audit: auditSvc, logger: logger}
}

// Metrics returns presence counters for this node.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	tasks := h.sched.Tasks()
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.Name)
	}
	c.JSON(http.StatusOK, gin.H{
		"presence":        h.reg.Stats(),
		"scheduler_tasks": names,
	})
}

// ListOnline returns the identities with at least one live session here.
// GET /api/admin/online
func (h *AdminHandler) ListOnline(c *gin.Context) {
	ids := h.reg.Identities()
	c.JSON(http.StatusOK, gin.H{"identities": ids, "count": len(ids)})
}

// Kick closes every session of a user on every node.
// POST /api/admin/kick/:username
func (h *AdminHandler) Kick(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	n := h.router.Kick(c.Request.Context(), username)
	h.logger.Info("admin kicked user", zap.String("username", username), zap.Int("local_sessions", n))
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": n})
}

// ListSchedulerTasks returns every registered periodic task.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// Audit returns recent audit rows, newest first.
// GET /api/admin/audit?username=&limit=
func (h *AdminHandler) Audit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit disabled"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	rows, err := h.audit.Recent(c.Request.Context(), c.Query("username"), limit)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "count": len(rows)})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
