package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/relaychat/server/api/rest"
	apiws "github.com/relaychat/server/api/ws"
	"github.com/relaychat/server/audit"
	"github.com/relaychat/server/broadcast"
	"github.com/relaychat/server/cache"
	"github.com/relaychat/server/config"
	"github.com/relaychat/server/directory"
	mw "github.com/relaychat/server/middleware"
	"github.com/relaychat/server/plugin/hook"
	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/scheduler"
	"github.com/relaychat/server/social"
	"github.com/relaychat/server/storage"
	"github.com/relaychat/server/testutil"
	"github.com/relaychat/server/thumbnail"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const adminKey = "integration-admin-key"

// shared is the state every node of a cluster points at: one database,
// one session cache and one relay channel.
type shared struct {
	db     *gorm.DB
	cache  cache.Cache
	pubsub cache.PubSub
	media  string
	sec    config.SecurityConfig
}

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	Reg    *presence.Registry
	Hooks  *hook.Center
	NodeID string
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig

	cancel context.CancelFunc
	audit  *audit.Service
	sched  *scheduler.Scheduler
}

func newShared(t *testing.T) *shared {
	t.Helper()
	c, pubsub := testutil.SetupTestCache(t)
	return &shared{
		db:     testutil.SetupTestDB(t),
		cache:  c,
		pubsub: pubsub,
		media:  t.TempDir(),
		sec: config.SecurityConfig{
			JWTSecret:      "integration-test-secret",
			JWTTTLH:        72 * time.Hour,
			RateLimitRPS:   1000,
			RateLimitBurst: 2000,
			AllowedOrigins: []string{}, // allow all origins
		},
	}
}

// NewTestServer creates a single fully wired node for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	return newNode(t, newShared(t), "node-1")
}

// NewCluster starts n nodes that share storage, sessions and the relay
// channel, as separate processes behind a load balancer would.
func NewCluster(t *testing.T, n int) []*TestServer {
	t.Helper()
	sh := newShared(t)
	nodes := make([]*TestServer, n)
	for i := range nodes {
		nodes[i] = newNode(t, sh, fmt.Sprintf("node-%d", i+1))
	}
	return nodes
}

func newNode(t *testing.T, sh *shared, nodeID string) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	// ---- Infrastructure ----
	store, err := storage.NewLocalStore(sh.media, "/media")
	require.NoError(t, err)
	resizer := thumbnail.NewResizer(config.ThumbnailConfig{MaxWidth: 400, MaxHeight: 400, Quality: 90})
	auditSvc := audit.New(sh.db, logger)

	// ---- Presence / routing ----
	reg := presence.NewRegistry(logger)
	router := broadcast.New(reg, sh.pubsub, nodeID, "relay:test", logger)
	require.NoError(t, router.Start(ctx))

	// ---- Services ----
	hooks := hook.NewCenter()
	chat := config.ChatConfig{MaxMessageLen: 2000}
	social.RegisterBuiltinHooks(hooks, chat)
	dir := directory.New(sh.db)
	svc := social.NewService(dir, router, resizer, store, hooks, chat, logger)
	sched := scheduler.New(logger)

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(ctx, rate.Limit(sh.sec.RateLimitRPS), sh.sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": nodeID})
	})
	r.Static("/media", store.Root())

	authH := apirest.NewAuthHandler(dir, sh.cache, sh.sec, svc, logger)
	adminH := apirest.NewAdminHandler(reg, router, sched, auditSvc, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/signup", authH.SignUp)
		authG.POST("/signin", authH.SignIn)
		authG.POST("/logout", mw.Auth(sh.sec, sh.cache), authH.Logout)
		authG.POST("/refresh", mw.Auth(sh.sec, sh.cache), authH.Refresh)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(adminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/online", adminH.ListOnline)
		adminG.POST("/kick/:username", adminH.Kick)
		adminG.GET("/audit", adminH.Audit)
	}

	// ---- WebSocket ----
	wsRouter := apiws.NewRouter(svc, auditSvc, logger)
	wsH := apiws.NewHandler(dir, sh.cache, sh.sec, config.PresenceConfig{}, reg, wsRouter, hooks, logger)
	r.GET("/ws", wsH.ServeWS)

	server := httptest.NewServer(r)
	ts := &TestServer{
		DB:     sh.db,
		Cache:  sh.cache,
		Reg:    reg,
		Hooks:  hooks,
		NodeID: nodeID,
		Server: server,
		URL:    server.URL,
		WSURL:  "ws" + server.URL[len("http"):] + "/ws",
		Sec:    sh.sec,
		cancel: cancel,
		audit:  auditSvc,
		sched:  sched,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the node. It is safe to call more than once.
func (ts *TestServer) Close() {
	ts.Reg.CloseAll()
	ts.Server.Close()
	ts.cancel()
	ts.sched.Stop()
	ts.audit.Stop(context.Background())
}

// FlushAudit waits until queued audit rows are written.
func (ts *TestServer) FlushAudit() {
	ts.audit.Stop(context.Background())
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body any, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request.
func (ts *TestServer) Get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	return resp
}

// Admin sends an authenticated admin request.
func (ts *TestServer) Admin(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Key", adminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// --- Auth helpers ---

// SignUp registers username and returns its session token.
func (ts *TestServer) SignUp(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/signup", map[string]string{
		"username":   username,
		"first_name": username,
		"last_name":  "tester",
		"email":      username + "@example.com",
		"password":   password,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var result map[string]any
	ReadJSON(t, resp, &result)
	return result["token"].(string)
}

// SignIn returns a fresh session token for an existing user.
func (ts *TestServer) SignIn(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/signin", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result map[string]any
	ReadJSON(t, resp, &result)
	return result["token"].(string)
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// Uses a background readLoop to avoid gorilla/websocket's SetReadDeadline bug.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	readCh chan readResult // buffered channel from readLoop
}

type readResult struct {
	data []byte
	err  error
}

// ConnectWS dials the node's WS endpoint and waits until the session is
// registered.
func (ts *TestServer) ConnectWS(t *testing.T, username, token string) *WSClient {
	t.Helper()
	before := len(ts.Reg.Sessions(username))
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	require.Eventually(t, func() bool { return len(ts.Reg.Sessions(username)) > before },
		2*time.Second, 5*time.Millisecond)
	return wc
}

// readLoop continuously reads from the websocket in a dedicated goroutine.
func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes one request frame: fields plus "source".
func (wc *WSClient) Send(source string, fields map[string]any) {
	wc.t.Helper()
	frame := map[string]any{"source": source}
	for k, v := range fields {
		frame[k] = v
	}
	data, err := json.Marshal(frame)
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one envelope, returning an error on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]any, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var env map[string]any
		if err := json.Unmarshal(res.data, &env); err != nil {
			return nil, err
		}
		return env, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

// timeoutError implements net.Error for timeout detection in callers.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// Recv reads envelopes until one with the given source arrives.
func (wc *WSClient) Recv(source string, timeout time.Duration) map[string]any {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		env, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", source, err)
		}
		if env["source"] == source {
			return env
		}
	}
	wc.t.Fatalf("timed out waiting for source %q", source)
	return nil
}

// ExpectSilence fails if any envelope arrives within d.
func (wc *WSClient) ExpectSilence(d time.Duration) {
	wc.t.Helper()
	if env, err := wc.RecvAny(d); err == nil {
		wc.t.Fatalf("unexpected envelope %v", env)
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// Data extracts the "data" object of a routed envelope.
func Data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	require.True(t, ok, "envelope has no data object: %v", env)
	return d
}

// --- Composite helper ---

// Online signs username up and opens one live session for it.
func (ts *TestServer) Online(t *testing.T, username string) (string, *WSClient) {
	t.Helper()
	token := ts.SignUp(t, username, username+"pass")
	return token, ts.ConnectWS(t, username, token)
}

var testCounter uint64

// UniqueID returns a short unique alphanumeric username.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s%d%d", strings.ToLower(prefix), time.Now().UnixNano()%100000, n)
}
