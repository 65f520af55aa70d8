package ws

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/relaychat/server/audit"
	mw "github.com/relaychat/server/middleware"
	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/protocol"
	"github.com/relaychat/server/social"
	"go.uber.org/zap"
)

// Router decodes inbound envelopes and runs the matching social operation.
// Envelopes of one session are dispatched sequentially by its read loop.
type Router struct {
	svc      *social.Service
	audit    *audit.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewRouter creates a Router. auditSvc may be nil.
func NewRouter(svc *social.Service, auditSvc *audit.Service, logger *zap.Logger) *Router {
	return &Router{
		svc:      svc,
		audit:    auditSvc,
		validate: validator.New(),
		logger:   logger,
	}
}

// Dispatch handles one inbound frame. Malformed frames, unknown sources and
// frames over the session's rate limit are dropped.
func (r *Router) Dispatch(ctx context.Context, s *presence.Session, frame []byte) {
	op, source, err := protocol.Decode(frame)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		r.logger.Warn("malformed envelope",
			zap.String("username", s.Username),
			zap.String("session_id", s.ID))
		return
	case errors.Is(err, protocol.ErrUnknownSource):
		r.logger.Debug("unhandled source",
			zap.String("source", source),
			zap.String("username", s.Username))
		return
	}

	if !s.Allow() {
		r.logger.Warn("envelope rate limit exceeded",
			zap.String("source", source),
			zap.String("username", s.Username),
			zap.String("session_id", s.ID))
		return
	}

	traceID := mw.NewTraceID()
	ctx = context.WithValue(ctx, ctxKeyTraceID{}, traceID)
	start := time.Now()

	req, err := r.run(ctx, s, op, frame)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		r.logger.Warn("invalid payload",
			zap.String("source", source),
			zap.String("username", s.Username),
			zap.String("trace_id", traceID),
			zap.Error(err))
	case err != nil:
		r.logger.Error("handler error",
			zap.String("source", source),
			zap.String("username", s.Username),
			zap.String("trace_id", traceID),
			zap.Error(err))
	}

	if r.audit != nil && op.Mutating() {
		r.audit.Log(audit.Entry{
			TraceID:  traceID,
			UserID:   s.UserID,
			Username: s.Username,
			Action:   source,
			Request:  req,
			Err:      err,
			IP:       s.RemoteIP,
			Duration: time.Since(start),
		})
	}
}

// run recovers panics so one bad envelope never takes the session down.
func (r *Router) run(ctx context.Context, s *presence.Session, op protocol.Op, frame []byte) (req any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in ws handler",
				zap.String("source", string(op)),
				zap.String("username", s.Username),
				zap.String("trace_id", TraceIDFromCtx(ctx)),
				zap.Any("recover", rec),
				zap.String("stack", string(debug.Stack())))
			err = errHandlerPanic
		}
	}()
	return r.handle(ctx, s, op, frame)
}

var errHandlerPanic = errors.New("ws: handler panicked")

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
