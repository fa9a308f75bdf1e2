package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/opsstream/internal/config"
	"github.com/rickgao/opsstream/internal/metrics"
	"github.com/rickgao/opsstream/internal/model"
	"github.com/rickgao/opsstream/internal/service"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	cfg := config.Default()
	cfg.Connection.Origin = "http://127.0.0.1:1"
	svc, err := service.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Teardown(context.Background()) })
	return svc
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealth_DisconnectedIsUnhealthy(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc, "/metrics", nil, fakePinger{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "disconnected", body.Components["connection"])
	assert.Equal(t, "connected", body.Components["database"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	svc := newTestService(t)
	router := newRouter(svc, "/metrics", nil, fakePinger{err: errors.New("refused")}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	db := body["components"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "refused", db["error"])
}

func TestSessionEndpoints(t *testing.T) {
	svc := newTestService(t)
	m, err := metrics.New(nil)
	require.NoError(t, err)
	router := newRouter(svc, "/metrics", m.Handler(), nil, nil)

	_, err = svc.Subscribe([]string{"security"}, func(model.Event) {}, nil)
	require.NoError(t, err)
	n := svc.Notify(model.Notification{Title: "Backup complete", Level: model.LevelSuccess})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/subscriptions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "security")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/notifications", nil))
	assert.Contains(t, rec.Body.String(), "Backup complete")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/session/notifications/"+n.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, svc.Notifications().Len())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/session/notifications/"+n.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/stats", nil))
	assert.Contains(t, rec.Body.String(), `"State":"disconnected"`)

	m.IncReconnects()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "opsstream_connection_reconnects_total 1")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "opsstream dev"))
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", path, "--env-file", ""})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection.origin is required")
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(""))
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OPSSTREAM_TEST_ORIGIN=https://ops.example.com\n"), 0o600))
	t.Setenv("OPSSTREAM_TEST_ORIGIN", "")
	os.Unsetenv("OPSSTREAM_TEST_ORIGIN")

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "https://ops.example.com", os.Getenv("OPSSTREAM_TEST_ORIGIN"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "value", line["key"])

	buf.Reset()
	newLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestStreamOptions_Filter(t *testing.T) {
	assert.Nil(t, streamOptions{topics: []string{"*"}}.filter())

	f := streamOptions{types: []string{"Security"}, severities: []string{"HIGH"}, sources: []string{"ids"}}.filter()
	require.NotNil(t, f)
	assert.Equal(t, []model.EventType{model.TypeSecurity}, f.Types)
	assert.Equal(t, []model.Severity{model.SeverityHigh}, f.Severities)
	assert.Equal(t, []string{"ids"}, f.Sources)
}

func TestPrinter(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := model.ParseEvent([]byte(`{"type":"cluster","action":"alert","severity":"critical","source":"k8s","timestamp":"2026-03-01T12:00:00Z","payload":{"node":"n1"}}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	p := &printer{w: &buf}
	p.event(e)
	p.notification(model.Notification{Level: model.LevelError, Title: "Cluster alert", Message: "node down", Timestamp: ts})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2026-03-01T12:00:00Z event cluster.alert severity=critical source=k8s"))
	assert.Equal(t, "2026-03-01T12:00:00Z notification [error] Cluster alert: node down", lines[1])

	buf.Reset()
	p.json = true
	p.event(e)

	var line eventLine
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "event", line.Kind)
	assert.Equal(t, "cluster", line.Type)
	assert.JSONEq(t, `{"node":"n1"}`, string(line.Payload))
}
