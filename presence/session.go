package presence

import (
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid/v2"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuf = 256
	writeDeadline  = 10 * time.Second
	ReadDeadline   = 60 * time.Second
	PingInterval   = 30 * time.Second

	sessionIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	sessionIDLen      = 12
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is the lifecycle stage of a live session. Sessions are only built
// for authenticated sockets, so a session starts open.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the write side of a websocket connection.
// *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options tunes a new Session.
type Options struct {
	SendBuffer int
	RateLimit  rate.Limit // inbound envelopes per second, 0 disables limiting
	RateBurst  int
	Logger     *zap.Logger
}

// Session is one live transport connection belonging to an identity.
type Session struct {
	ID        string
	Username  string
	UserID    int64
	RemoteIP  string
	CreatedAt time.Time

	Conn     Transport
	SendChan chan []byte
	Done     chan struct{}

	limiter   *rate.Limiter
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewSession creates an open Session and starts its write pump.
func NewSession(username string, userID int64, conn Transport, opts Options) *Session {
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuf
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := nanoid.GenerateString(sessionIDAlphabet, sessionIDLen)
	if err != nil {
		id = username + "-" + time.Now().Format("150405.000000000")
	}
	s := &Session{
		ID:        id,
		Username:  username,
		UserID:    userID,
		CreatedAt: time.Now(),
		Conn:      conn,
		SendChan:  make(chan []byte, buf),
		Done:      make(chan struct{}),
		logger:    logger.With(zap.String("username", username), zap.String("session_id", id)),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	go s.writePump()
	return s
}

// writePump drains SendChan to the transport and pings the peer periodically.
func (s *Session) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.Done:
			s.flush()
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued when the session closes.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Identity returns the username this session is joined under.
func (s *Session) Identity() string { return s.Username }

// ViewerID returns the authenticated user's id.
func (s *Session) ViewerID() int64 { return s.UserID }

// State reports whether the session is open or closed.
func (s *Session) State() State {
	if s.IsClosed() {
		return StateClosed
	}
	return StateOpen
}

// Reply encodes v and queues it for this session only.
func (s *Session) Reply(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.SendRaw(data)
	return nil
}

// SendRaw queues pre-encoded bytes without blocking. It reports false when
// the session is closed or its buffer is full, in which case data is dropped.
func (s *Session) SendRaw(data []byte) bool {
	if s.IsClosed() {
		return false
	}
	select {
	case s.SendChan <- data:
		return true
	case <-s.Done:
		return false
	default:
		s.logger.Warn("send channel full, dropping envelope")
		return false
	}
}

// Allow consumes one inbound token from the session's rate limiter.
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// Close signals the write pump to shut down. Safe to call concurrently.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}
