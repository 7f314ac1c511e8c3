package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/internal/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock store ──────────────────────────────────────────────────────────────

type testStore struct {
	store.Store
	pingErr error
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }

// ─── mock cache ──────────────────────────────────────────────────────────────

type testCache struct {
	pingErr error
}

func (c *testCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *testCache) SetNX(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *testCache) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (c *testCache) Delete(_ context.Context, _ string) error             { return nil }
func (c *testCache) Ping(_ context.Context) error                         { return c.pingErr }
func (c *testCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*testCache)(nil)

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&testStore{pingErr: errors.New("connection refused")}, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	assert.Equal(t, "degraded", errObj["details"].(map[string]any)["database"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(&testStore{}, &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── wiring tests ───────────────────────────────────────────────────────────

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Partition: config.PartitionConfig{
			Root:            t.TempDir(),
			Salt:            "wiring",
			Prefix:          "tenant",
			DefaultIdentity: "default_user",
		},
		Coordinator: config.CoordinatorConfig{
			FailureThreshold: 3,
			ItemTimeout:      time.Second,
			WriteTimeout:     time.Second,
			SubmitQuota:      30,
		},
		Cache:    config.CacheConfig{TTL: time.Minute, MaxEntries: 16},
		Datasets: config.DatasetsConfig{Dir: "../../datasets"},
		Identity: config.IdentityConfig{Header: "X-User-Identity", Required: true},
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a := newApp(testConfig(t), store.NewMemoryStore(), &testCache{}, target.Echo{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.coord.Shutdown(ctx)
	})
	return a
}

func serve(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-Identity", "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewApp_EndToEnd(t *testing.T) {
	a := newTestApp(t)

	w := serve(t, a.handler, "POST", "/api/v1/orchestrators", map[string]any{
		"name": "wiring",
		"kind": "prompt-sending",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = serve(t, a.handler, "POST", "/api/v1/orchestrators/"+created.Data.ID+"/executions", map[string]any{
		"kind":  "dataset",
		"input": map[string]any{"dataset": "prompt_injection", "limit": 2},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted struct {
		Data struct {
			ExecutionID string `json:"execution_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	require.Eventually(t, func() bool {
		w := serve(t, a.handler, "GET", "/api/v1/executions/"+accepted.Data.ExecutionID, nil)
		var view struct {
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		return json.Unmarshal(w.Body.Bytes(), &view) == nil && view.Data.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	w = serve(t, a.handler, "GET", "/api/v1/executions/"+accepted.Data.ExecutionID+"/results", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewApp_ServesHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	w := serve(t, a.handler, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, a.handler, "GET", "/api/v1/resources/datasets/illegal_activity", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(t, a.handler, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "probehub_resource_cache_misses_total 1")
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "PARTITION_SALT"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PARTITION_SALT", "salt")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestRun_FailsOnUnreachableRedis(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")
	t.Setenv("PARTITION_SALT", "salt")
	t.Setenv("PARTITION_ROOT", t.TempDir())

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
