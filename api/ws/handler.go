package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/config"
	"github.com/relaychat/server/directory"
	mw "github.com/relaychat/server/middleware"
	"github.com/relaychat/server/plugin/hook"
	"github.com/relaychat/server/presence"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxFrameBytes bounds one inbound frame; thumbnail uploads are the largest.
const maxFrameBytes = 8 << 20

// Handler is the Gin handler for GET /ws.
type Handler struct {
	dir      *directory.Directory
	cache    cache.Cache
	sec      config.SecurityConfig
	reg      *presence.Registry
	router   *Router
	hooks    *hook.Center
	sendBuf  int
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(
	dir *directory.Directory,
	c cache.Cache,
	sec config.SecurityConfig,
	pcfg config.PresenceConfig,
	reg *presence.Registry,
	router *Router,
	hooks *hook.Center,
	logger *zap.Logger,
) *Handler {
	if hooks == nil {
		hooks = hook.NewCenter()
	}
	h := &Handler{
		dir:     dir,
		cache:   c,
		sec:     sec,
		reg:     reg,
		router:  router,
		hooks:   hooks,
		sendBuf: pcfg.SendBuffer,
		logger:  logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>. Requests without a live session
// token are refused with 401 and never reach the registry.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.cache, tokenStr)
	if errors.Is(err, mw.ErrSessionExpired) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	user, err := h.dir.UserByID(c.Request.Context(), claims.UserID)
	if errors.Is(err, directory.ErrNotFound) || (err == nil && user.Username != claims.Username) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	if err != nil {
		h.logger.Error("ws user lookup failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := presence.NewSession(user.Username, user.ID, conn, presence.Options{
		SendBuffer: h.sendBuf,
		RateLimit:  rate.Limit(h.sec.WSRateLimitRPS),
		RateBurst:  h.sec.WSRateLimitBurst,
		Logger:     h.logger,
	})
	sess.RemoteIP = c.ClientIP()

	ctx := c.Request.Context()
	h.reg.Join(sess.Username, sess)
	h.trigger(ctx, hook.OnSessionOpen, sess)
	h.logger.Info("session opened",
		zap.String("username", sess.Username),
		zap.String("session_id", sess.ID),
		zap.String("client_ip", sess.RemoteIP))

	// Blocks until the connection closes.
	h.readPump(ctx, conn, sess)
}

// readPump reads frames and dispatches them one at a time. It is the only
// place a session leaves the registry, so leave runs exactly once however
// the connection ends.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, s *presence.Session) {
	defer h.handleDisconnect(ctx, s)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(presence.ReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(presence.ReadDeadline))
	})

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) && !s.IsClosed() {
				h.logger.Warn("ws unexpected close",
					zap.String("username", s.Username),
					zap.String("session_id", s.ID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		_ = conn.SetReadDeadline(time.Now().Add(presence.ReadDeadline))
		if mt != websocket.TextMessage {
			continue
		}
		h.router.Dispatch(ctx, s, raw)
	}
}

func (h *Handler) handleDisconnect(ctx context.Context, s *presence.Session) {
	s.Close()
	if !h.reg.Leave(s.Username, s) {
		return
	}
	h.trigger(context.WithoutCancel(ctx), hook.OnSessionClose, s)
	h.logger.Info("session closed",
		zap.String("username", s.Username),
		zap.String("session_id", s.ID),
		zap.Duration("lifetime", time.Since(s.CreatedAt)))
}

func (h *Handler) trigger(ctx context.Context, ev hook.Event, s *presence.Session) {
	if _, err := h.hooks.Trigger(ctx, ev, s); err != nil {
		h.logger.Warn("session hook failed",
			zap.String("event", string(ev)),
			zap.String("username", s.Username),
			zap.Error(err))
	}
}
