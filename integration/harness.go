package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/animsession/api/rest"
	"github.com/kasuganosora/animsession/api/sse"
	apiws "github.com/kasuganosora/animsession/api/ws"
	"github.com/kasuganosora/animsession/audit"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/config"
	"github.com/kasuganosora/animsession/game/character"
	"github.com/kasuganosora/animsession/game/session"
	"github.com/kasuganosora/animsession/logsink"
	mw "github.com/kasuganosora/animsession/middleware"
	"github.com/kasuganosora/animsession/model"
	"github.com/kasuganosora/animsession/scheduler"
	"github.com/kasuganosora/animsession/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	AdminEmail    = "admin@example.com"
	AdminPassword = "admin-pass"
)

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	SM     *session.Manager
	Sink   *logsink.Sink
	Sched  *scheduler.Scheduler
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
	Sec    config.SecurityConfig
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	sink := logsink.New(db, zap.NewNop())
	logger := zap.New(sink.Core(zapcore.InfoLevel))

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{}, // allow all origins
	}

	// ---- Sessions ----
	history := audit.New(db, logger.Named("CharacterHistory"))
	sm := session.NewManager(character.NewGormStore(db), history, c, pubsub, session.Options{
		Seed: session.SeedFromConfig(config.DefaultSeed()),
	}, logger)
	sched := scheduler.New(logger.Named("Scheduler"))

	authH := apirest.NewAuthHandler(db, c, sec, logger.Named("AuthService"))
	require.NoError(t, authH.EnsureAdmin(AdminEmail, AdminPassword))

	// ---- Gin HTTP Server ----
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	adminH := apirest.NewAdminHandler(sm, history, sink, sched, c, logger.Named("Admin"))
	sseH := sse.NewHandler(pubsub, c, logger.Named("AdminStream"))

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(sec, c), authH.Logout)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(sec.AdminIPs), mw.Auth(sec, c, model.RoleAdmin))
		adminG.GET("/character", adminH.Characters)
		adminG.GET("/session", adminH.Session)
		adminG.GET("/history", adminH.History)
		adminG.GET("/log", adminH.Logs)
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/stream", sseH.ServeStream)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(sm, sec, logger.Named("WebSocketHandler"))
	r.GET("/ws", mw.Auth(sec, c, model.RoleUser, model.RoleAdmin), wsH.ServeWS)

	// ---- Start server ----
	server := httptest.NewServer(r)
	url := server.URL
	wsURL := "ws" + url[len("http"):] + "/ws"

	ts := &TestServer{
		DB:     db,
		Cache:  c,
		PubSub: pubsub,
		SM:     sm,
		Sink:   sink,
		Sched:  sched,
		Server: server,
		URL:    url,
		WSURL:  wsURL,
		Sec:    sec,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server and all sessions. Safe to call twice.
func (ts *TestServer) Close() {
	ts.SM.StopAll()
	ts.Sched.Stop()
	ts.Server.Close()
	ts.Sink.Stop(context.Background())
}

// --- HTTP helpers ---

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest("POST", ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Envelope is the REST response body.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// ReadData decodes an envelope and then its data into target.
func ReadData(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	var env Envelope
	ReadJSON(t, resp, &env)
	require.True(t, env.Success, "error: %s %s", env.Error, env.Message)
	require.NoError(t, json.Unmarshal(env.Data, target))
}

// --- Auth helpers ---

// Login logs in (auto-registers on first call) and returns the token and user id.
func (ts *TestServer) Login(t *testing.T, email, password string) (token, userID string) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data struct {
		Token string `json:"token"`
	}
	ReadData(t, resp, &data)
	claims, err := mw.ParseToken(data.Token, ts.Sec.JWTSecret)
	require.NoError(t, err)
	return data.Token, claims.UserID
}

// AdminToken logs in as the bootstrap admin.
func (ts *TestServer) AdminToken(t *testing.T) string {
	t.Helper()
	token, _ := ts.Login(t, AdminEmail, AdminPassword)
	return token
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

// ConnectWS dials the test server's WS endpoint with the given JWT token.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	url := ts.WSURL + "?token=" + token
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.Dial(url, http.Header{"User-Agent": {"integration-client"}})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
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

// Command sends one command message.
func (wc *WSClient) Command(command string, payload map[string]interface{}) {
	wc.t.Helper()
	wc.SendJSON(map[string]interface{}{"command": command, "payload": payload})
}

// SendJSON writes v as a text frame.
func (wc *WSClient) SendJSON(v interface{}) {
	wc.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(wc.t, err)
	wc.SendRaw(data)
}

// SendRaw writes data verbatim as a text frame.
func (wc *WSClient) SendRaw(data []byte) {
	wc.t.Helper()
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// Recv reads one message from the WebSocket with a timeout.
func (wc *WSClient) Recv(timeout time.Duration) map[string]interface{} {
	wc.t.Helper()
	pkt, err := wc.RecvAny(timeout)
	require.NoError(wc.t, err, "WS recv failed")
	return pkt
}

// RecvAny reads one message from the WebSocket with a timeout, returning an error
// instead of failing the test on timeout/read failure.
// Reads from the background readLoop channel to avoid gorilla/websocket's
// SetReadDeadline bug which permanently corrupts the connection after a timeout.
func (wc *WSClient) RecvAny(timeout time.Duration) (map[string]interface{}, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return nil, res.err
		}
		var pkt map[string]interface{}
		if err := json.Unmarshal(res.data, &pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	case <-time.After(timeout):
		return nil, &timeoutError{}
	}
}

// timeoutError implements net.Error for timeout detection in callers.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "read timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// RecvOutcome reads the next broadcast outcome and returns its data object.
func (wc *WSClient) RecvOutcome(command string) map[string]interface{} {
	wc.t.Helper()
	pkt := wc.Recv(3 * time.Second)
	require.Equal(wc.t, command, pkt["command"], "packet: %v", pkt)
	return pkt["data"].(map[string]interface{})
}

// ExpectSilence fails if a message arrives within d.
func (wc *WSClient) ExpectSilence(d time.Duration) {
	wc.t.Helper()
	if pkt, err := wc.RecvAny(d); err == nil {
		wc.t.Fatalf("unexpected message: %v", pkt)
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// CharacterState returns one character from a characters object.
func CharacterState(t *testing.T, chars interface{}, id string) map[string]interface{} {
	t.Helper()
	m, ok := chars.(map[string]interface{})
	require.True(t, ok, "characters is %T", chars)
	c, ok := m[id].(map[string]interface{})
	require.True(t, ok, "character %s missing", id)
	return c
}

// UniqueEmail returns a fresh address for auto-registration.
var testCounter uint64

func UniqueEmail(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s_%d_%d@example.com", prefix, time.Now().UnixNano()%100000, n)
}
