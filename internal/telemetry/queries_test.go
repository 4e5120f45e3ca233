package telemetry

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assigner/assigner/internal/queue"
)

func TestListQueriesIsSorted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/queries", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	templates, ok := body["queries"].([]any)
	require.True(t, ok)
	require.Len(t, templates, 2)
	first := templates[0].(map[string]any)
	second := templates[1].(map[string]any)
	assert.Equal(t, "backlog_by_type", first["name"])
	assert.Equal(t, "item_history", second["name"])
}

func TestRunQueryReturnsRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "a", Priority: 5, TaskType: "deploy"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "b", Priority: 5, TaskType: "deploy"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/queries/backlog_by_type", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, false, body["cached"])
	result := body["result"].(map[string]any)
	rows := result["rows"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "deploy", row["task_type"])
	assert.Equal(t, float64(2), row["pending"])

	// Second call inside the TTL serves the cached result.
	rec = f.do(t, http.MethodGet, "/api/v1/queries/backlog_by_type", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cached"])
}

func TestRunQueryWithRequiredParam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "a", Priority: 5})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/queries/item_history", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_parameter", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/api/v1/queries/item_history", map[string]any{"work_item_id": item.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)["result"].(map[string]any)
	rows := result["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "queued", rows[0].(map[string]any)["action"])
}

func TestRunQueryRejectsUnknownNameAndParams(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/queries/no_such_query", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_query", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/queries/backlog_by_type?bogus=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_parameter", errorCode(t, rec))
}

func TestRunQueryCSVExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "a", Priority: 5, TaskType: "deploy"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/queries/backlog_by_type?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "task_type,pending", lines[0])
	assert.Equal(t, "deploy,1", lines[1])
}

func TestConfigReload(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reloaded", decode(t, rec)["status"])

	// A broken tree is rejected and the previous snapshot stays live.
	broken := "version: \"1.0\"\nsla_targets:\n  default:\n    target_minutes: -5\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.rulesDir, "base", "sla_rules.yaml"), []byte(broken), 0o644))

	rec = f.do(t, http.MethodPost, "/api/v1/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_configuration", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/config/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.0", decode(t, rec)["version"])
}
