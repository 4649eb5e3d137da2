package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/router"
	"github.com/troupelabs/troupe/pkg/envelope"
)

func setupTestHandler(t *testing.T) (*Handler, *router.Router, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	cfg := config.RouterConfig{Host: "127.0.0.1", Port: 0, HeartbeatSeconds: 1, MaxMissedBeats: 3}
	rt := router.NewRouter(cfg, nil, log)
	handler := NewHandler(rt, log)

	engine := gin.New()
	return handler, rt, engine
}

func doRequest(t *testing.T, engine *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHandler_ListMessages(t *testing.T) {
	handler, rt, engine := setupTestHandler(t)
	engine.GET("/messages", handler.ListMessages)

	rt.Log().Append(envelope.New("alice", "bob", "one"))
	rt.Log().Append(envelope.New("bob", "alice", "two"))
	rt.Log().Append(envelope.New("alice", "bob", "three"))

	w, body := doRequest(t, engine, "/messages")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []*envelope.Envelope
	require.NoError(t, json.Unmarshal(body["messages"], &msgs))
	assert.Len(t, msgs, 3)
	assert.JSONEq(t, "3", string(body["total"]))

	// Source filter narrows the result, total still counts the whole log.
	w, body = doRequest(t, engine, "/messages?source=alice")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(body["messages"], &msgs))
	assert.Len(t, msgs, 2)
	assert.JSONEq(t, "3", string(body["total"]))

	// Limit keeps the most recent entries.
	w, body = doRequest(t, engine, "/messages?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(body["messages"], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "three", msgs[0].Content)
}

func TestHandler_ListMessagesRejectsBadLimit(t *testing.T) {
	handler, _, engine := setupTestHandler(t)
	engine.GET("/messages", handler.ListMessages)

	req := httptest.NewRequest(http.MethodGet, "/messages?limit=nope", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListChannels(t *testing.T) {
	handler, rt, engine := setupTestHandler(t)
	engine.GET("/channels", handler.ListChannels)

	rt.RegisterChannel(&envelope.Channel{Name: "general", Members: []string{"alice", "bob"}})

	w, body := doRequest(t, engine, "/channels")
	require.Equal(t, http.StatusOK, w.Code)
	var channels []*envelope.Channel
	require.NoError(t, json.Unmarshal(body["channels"], &channels))
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
}

func TestHandler_HealthCheck(t *testing.T) {
	handler, _, engine := setupTestHandler(t)
	engine.GET("/health", handler.HealthCheck)

	w, body := doRequest(t, engine, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"healthy"`, string(body["status"]))
}
