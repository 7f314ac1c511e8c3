package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()

	assert.Equal(t, "probectl", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"route", "submit", "status", "results", "cancel", "resource"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("identity"))
}

func TestRoute_PrintsLocator(t *testing.T) {
	t.Setenv("PARTITION_SALT", "cli-salt")
	t.Setenv("PARTITION_PREFIX", "tenant")
	t.Setenv("PARTITION_ROOT", "/var/lib/probehub")

	out, _, err := runCLI(t, "route", "  Alice@Example.com ")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	router := partition.NewRouter(config.PartitionConfig{Root: "/var/lib/probehub", Salt: "cli-salt", Prefix: "tenant"})
	want := router.Route("alice@example.com")
	assert.Equal(t, "alice@example.com", got["identity"])
	assert.Equal(t, want.String(), got["locator"])
	assert.Equal(t, router.Dir(want), got["dir"])
}

func TestRoute_RequiresSalt(t *testing.T) {
	t.Setenv("PARTITION_SALT", "")

	_, _, err := runCLI(t, "route", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PARTITION_SALT")
}

func TestSubmit_RequiresExactlyOneSource(t *testing.T) {
	id := uuid.NewString()

	_, _, err := runCLI(t, "submit", id)
	require.Error(t, err)

	_, _, err = runCLI(t, "submit", id, "-p", "hi", "-d", "smoke")
	require.Error(t, err)

	_, _, err = runCLI(t, "submit", "not-a-uuid", "-p", "hi")
	require.Error(t, err)
}

func TestSubmit_Dataset(t *testing.T) {
	cfgID := uuid.New()
	execID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orchestrators/"+cfgID.String()+"/executions", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-User-Identity"))
		assert.Equal(t, "run-1", r.Header.Get("Idempotency-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dataset", body["kind"])
		assert.Equal(t, "nightly", body["name"])
		input := body["input"].(map[string]any)
		assert.Equal(t, "smoke", input["dataset"])
		assert.Equal(t, float64(2), input["limit"])
		assert.NotContains(t, input, "prompts")

		writeData(w, http.StatusAccepted, map[string]any{"execution_id": execID, "status": "running"})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, "--server", srv.URL, "--identity", "alice",
		"submit", cfgID.String(), "-d", "smoke", "--limit", "2", "--name", "nightly", "--idempotency-key", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, execID.String())
}

func TestStatus_Watch(t *testing.T) {
	id := uuid.New()
	var polls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		status := "running"
		if n >= 3 {
			status = "completed"
		}
		writeData(w, http.StatusOK, map[string]any{
			"id":       id,
			"status":   status,
			"progress": map[string]any{"current": n, "total": 3, "percentage": float64(n) * 100 / 3},
		})
	}))
	defer srv.Close()

	out, errOut, err := runCLI(t, "--server", srv.URL, "--identity", "alice", "--poll-interval", "1ms",
		"status", "--watch", id.String())
	require.NoError(t, err)

	assert.Contains(t, errOut, "running 1/3 (33%)")
	assert.Contains(t, errOut, "completed 3/3 (100%)")

	var final map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, "completed", final["status"])
}

func TestResults_NotTerminalHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"NOT_TERMINAL","message":"not yet"}}`))
	}))
	defer srv.Close()

	_, _, err := runCLI(t, "--server", srv.URL, "results", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
}

func TestCancel_PrintsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeData(w, http.StatusOK, map[string]bool{"accepted": false})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, "--server", srv.URL, "cancel", uuid.NewString())
	require.NoError(t, err)
	assert.JSONEq(t, `{"accepted": false}`, out)
}

func TestResource_Raw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/resources/schemas/red-teaming", r.URL.Path)
		writeData(w, http.StatusOK, map[string]any{
			"locator":      "schemas/red-teaming",
			"content_type": "application/json",
			"payload":      map[string]any{"title": "red-teaming"},
		})
	}))
	defer srv.Close()

	out, _, err := runCLI(t, "--server", srv.URL, "resource", "--raw", "schemas/red-teaming")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"red-teaming"}`, out)
}
