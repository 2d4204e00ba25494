package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dripflow/dripflow/pkg/cmd"
	"github.com/dripflow/dripflow/pkg/models"
	"github.com/dripflow/dripflow/pkg/persistence/memory"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	bus := cmd.NewEventBus("gochannel", slog.Default())

	t.Cleanup(func() {
		_ = bus.Close()
	})

	api := NewAPI(context.Background(), slog.Default(), store, bus)

	return api.App(), store
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return req
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	var decoded map[string]any

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return decoded
}

func seedActiveFlow(t *testing.T, store *memory.Persistence, id string) {
	t.Helper()

	err := store.Flows().Save(context.Background(), &models.Flow{
		ID:     id,
		Name:   "Welcome series",
		Status: models.FlowStatusActive,
		Nodes: []*models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, Data: map[string]any{
				"trigger_type": "list_subscribed",
				"list_id":      "list-a",
			}},
			{ID: "a1", Type: models.NodeTypeAction, Data: map[string]any{"kind": "welcome_email"}},
		},
	})
	require.NoError(t, err)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "dripflow API", string(body))
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestAPI_CreateAndGetFlow(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/flows", map[string]any{
		"name":   "Welcome series",
		"status": "active",
		"nodes": []map[string]any{
			{"id": "t", "type": "trigger", "data": map[string]any{"trigger_type": "lead_created"}},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody(t, resp)
	flowID, _ := created["id"].(string)
	require.NotEmpty(t, flowID)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/flows/"+flowID, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	fetched := decodeBody(t, resp)
	assert.Equal(t, "Welcome series", fetched["name"])
}

func TestAPI_CreateFlow_ShortNameRejected(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/flows", map[string]any{"name": "ab"}))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetFlow_NotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/flows/missing", nil))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_IngestEvent_EnrollsContact(t *testing.T) {
	app, store := setupTestApp(t)
	seedActiveFlow(t, store, "f1")

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/events", map[string]any{
		"type":       "list_subscribed",
		"contact_id": "c1",
		"list_id":    "list-a",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["matched_flow_count"])
	assert.Equal(t, float64(1), body["runs_created"])
}

func TestAPI_IngestEvent_UntypedRejected(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/events", map[string]any{
		"contact_id": "c1",
	}))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_IngestEvent_NoMatchStillSucceeds(t *testing.T) {
	app, store := setupTestApp(t)
	seedActiveFlow(t, store, "f1")

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/events", map[string]any{
		"type":       "list_subscribed",
		"contact_id": "c1",
		"list_id":    "other-list",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["matched_flow_count"])
	assert.NotEmpty(t, body["note"])
}

func TestAPI_Enroll_ForcedAndIdempotent(t *testing.T) {
	app, store := setupTestApp(t)
	seedActiveFlow(t, store, "f1")

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/enrollments", map[string]any{
		"contact_id": "c1",
		"flow_id":    "f1",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	first := decodeBody(t, resp)
	assert.Equal(t, float64(1), first["runs_created"])

	resp, err = app.Test(jsonRequest(t, http.MethodPost, "/enrollments", map[string]any{
		"contact_id": "c1",
		"flow_id":    "f1",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	second := decodeBody(t, resp)
	assert.Equal(t, float64(0), second["runs_created"])
	assert.Equal(t, float64(1), second["runs_existing"])
}

func TestAPI_Enroll_UnknownFlow(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/enrollments", map[string]any{
		"contact_id": "c1",
		"flow_id":    "missing",
	}))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Tick_ProcessesDueRuns(t *testing.T) {
	app, store := setupTestApp(t)
	seedActiveFlow(t, store, "f1")

	_, _, err := store.Runs().EnsureActive(context.Background(), "f1", "c1", nil)
	require.NoError(t, err)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/ticks", map[string]any{"flow_id": "f1"}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["processed"])
	assert.Equal(t, float64(1), body["succeeded"])
}

func TestAPI_GetRunsAndCancel(t *testing.T) {
	app, store := setupTestApp(t)
	seedActiveFlow(t, store, "f1")

	run, _, err := store.Runs().EnsureActive(context.Background(), "f1", "c1", nil)
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/runs?contact_id=c1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listed := decodeBody(t, resp)
	assert.Equal(t, float64(1), listed["total_count"])

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/runs/"+run.ID+"/cancel", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancelled := decodeBody(t, resp)
	assert.Equal(t, string(models.RunStatusCancelled), cancelled["status"])

	// A second cancel conflicts.
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/runs/"+run.ID+"/cancel", nil))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_GetRuns_RequiresContactID(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
