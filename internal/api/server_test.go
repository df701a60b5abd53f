package api

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/event"
	"github.com/t77yq/agent-orchestrator/internal/integration"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/pipeline"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/secret"
	"github.com/t77yq/agent-orchestrator/internal/storage"
	"github.com/t77yq/agent-orchestrator/internal/testutil"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	js, cleanup := testutil.StartJetStream(t)
	t.Cleanup(cleanup)

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     event.RunStreamName,
		Subjects: []string{event.RunSubjects},
	})
	require.NoError(t, err)

	st, err := storage.Open(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var secretCfg secret.Config
	_, err = rand.Read(secretCfg.EncryptionKey[:])
	require.NoError(t, err)

	logger := zap.NewNop()
	secrets := secret.NewStore(secretCfg, st, logger)
	registry := integration.NewRegistry(st, logger)
	proxy := integration.NewProxy(registry, secrets, logger)
	tracker := pipeline.NewTracker(st, js, logger)
	sched := scheduler.New(scheduler.Config{TickInterval: time.Hour}, st, tracker, js, logger)
	collector := monitor.NewCollector(st, logger)

	server := NewServer(Config{Addr: ":0"}, sched, tracker, registry, proxy, secrets, collector, logger)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func cronBody() map[string]interface{} {
	return map[string]interface{}{
		"name":            "digest",
		"agent_id":        "agent-1",
		"schedule_kind":   "every",
		"schedule_expr":   "5m",
		"payload_message": "compile the digest",
		"pipeline_template": map[string]interface{}{
			"tasks": []map[string]interface{}{
				{"name": "collect", "description": "gather updates"},
			},
		},
		"user_id":    "user-1",
		"session_id": "session-1",
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/heartbeat", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "jobs")
}

func TestCronEndpoints(t *testing.T) {
	ts := newTestServer(t)
	var cronID string

	t.Run("Create", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/crons", cronBody())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		cronID = body["id"].(string)
		require.NotEmpty(t, cronID)
		assert.Equal(t, true, body["enabled"])
		assert.Equal(t, "main", body["session_target"])
		assert.Equal(t, "none", body["delivery_mode"])
		assert.NotEmpty(t, body["next_fire_at"])
	})

	t.Run("Create Invalid", func(t *testing.T) {
		bad := cronBody()
		bad["schedule_expr"] = "whenever"
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/crons", bad)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "validation_error", errObj["kind"])
	})

	t.Run("Get", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/crons/"+cronID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "digest", body["name"])
	})

	t.Run("Get Missing", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/crons/nope", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "not_found", errObj["kind"])
	})

	t.Run("List", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/crons?user_id=user-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["crons"], 1)

		resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/crons?user_id=other", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, body["crons"])
	})

	t.Run("Patch", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPatch, ts.URL+"/api/crons/"+cronID,
			map[string]interface{}{"enabled": false})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["enabled"])
		assert.Equal(t, "digest", body["name"])
	})

	t.Run("Trigger", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/crons/"+cronID+"/trigger", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "accepted", body["status"])
		runID := body["run_id"].(string)
		require.NotEmpty(t, runID)

		resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/crons/"+cronID+"/runs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		runs := body["runs"].([]interface{})
		require.Len(t, runs, 1)
		assert.Equal(t, runID, runs[0].(map[string]interface{})["id"])
	})

	t.Run("Delete", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/crons/"+cronID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/crons/"+cronID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestTaskReportEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := cronBody()
	body["pipeline_template"] = map[string]interface{}{
		"tasks": []map[string]interface{}{
			{"name": "step", "confirmation_field": "id"},
		},
	}
	resp, created := doJSON(t, http.MethodPost, ts.URL+"/api/crons", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cronID := created["id"].(string)

	resp, triggered := doJSON(t, http.MethodPost, ts.URL+"/api/crons/"+cronID+"/trigger", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := triggered["run_id"].(string)

	taskURL := fmt.Sprintf("%s/api/runs/%s/tasks/step", ts.URL, runID)

	t.Run("In Progress", func(t *testing.T) {
		resp, run := doJSON(t, http.MethodPost, taskURL, map[string]interface{}{"status": "in_progress"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "running", run["status"])
	})

	t.Run("Success Without Evidence Rejected", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, taskURL, map[string]interface{}{"status": "success"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "validation_error", errObj["kind"])
	})

	t.Run("Success With Evidence", func(t *testing.T) {
		resp, run := doJSON(t, http.MethodPost, taskURL, map[string]interface{}{
			"status":   "success",
			"evidence": map[string]interface{}{"id": "msg-42"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "completed", run["status"])
	})

	t.Run("Report After Finish Conflicts", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, taskURL, map[string]interface{}{"status": "in_progress"})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "conflict", errObj["kind"])
	})

	t.Run("Run Fetch Reflects Final State", func(t *testing.T) {
		resp, run := doJSON(t, http.MethodGet, ts.URL+"/api/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "completed", run["status"])
		assert.NotEmpty(t, run["finished_at"])
	})
}

func TestIntegrationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"auth":%q}`, r.Header.Get("Authorization"))
	}))
	defer upstream.Close()

	register := map[string]interface{}{
		"name":     "github",
		"type":     "vcs",
		"base_url": upstream.URL,
		"auth_scheme": map[string]interface{}{
			"type":        "bearer",
			"token_field": "token",
		},
		"auth_fields": []map[string]interface{}{
			{"name": "token", "label": "API token", "required": true},
		},
	}

	var integrationID string

	t.Run("Register", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/integrations", register)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		integrationID = body["id"].(string)
		require.NotEmpty(t, integrationID)
	})

	t.Run("Duplicate Name Conflicts", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/integrations", register)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "conflict", errObj["kind"])
	})

	t.Run("Proxy Before Assignment", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/proxy",
			map[string]interface{}{"agent_id": "agent-1", "method": "GET", "path": "/user"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Assign Missing Credentials", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/assign",
			map[string]interface{}{"agent_id": "agent-1", "credentials": map[string]string{}})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "validation_error", errObj["kind"])
	})

	t.Run("Assign", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/assign",
			map[string]interface{}{
				"agent_id":    "agent-1",
				"credentials": map[string]string{"token": "ghp_secret"},
			})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("List For Agent Never Exposes Secrets", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/integrations/agent/agent-1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, buf.String(), "github")
		assert.NotContains(t, buf.String(), "ghp_secret")
	})

	t.Run("Proxy Passes Upstream Verbatim", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/proxy",
			map[string]interface{}{"agent_id": "agent-1", "method": "GET", "path": "/user"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Bearer ghp_secret", body["auth"])
	})

	t.Run("Proxy Without Stored Secret Is Auth Error", func(t *testing.T) {
		// agent-2 is assigned but its credentials are deleted afterwards.
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/assign",
			map[string]interface{}{
				"agent_id":    "agent-2",
				"credentials": map[string]string{"token": "tmp"},
			})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/secrets/agent-2/github", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/integrations/"+integrationID+"/proxy",
			map[string]interface{}{"agent_id": "agent-2", "method": "GET", "path": "/user"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "auth_error", errObj["kind"])
	})
}

func TestSecretEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("Store", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/secrets", map[string]interface{}{
			"agent_id":     "agent-1",
			"service_name": "slack",
			"data":         map[string]string{"token": "xoxb-secret"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Store Incomplete", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/secrets", map[string]interface{}{
			"agent_id": "agent-1",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("List", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/secrets/agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		services := body["services"].([]interface{})
		assert.Equal(t, []interface{}{"slack"}, services)
	})

	t.Run("Get", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/secrets/agent-1/slack", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "xoxb-secret", data["token"])
	})

	t.Run("Get Missing", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/secrets/agent-1/github", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Delete", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/secrets/agent-1/slack", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/secrets/agent-1/slack", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
