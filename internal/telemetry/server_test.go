package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/db"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

const testSla = "version: \"1.0\"\nsla_targets:\n  default:\n    target_minutes: 30\n"
const testRouting = "version: \"1.0\"\nenvironment_routing:\n  default:\n    priority: 5\n"
const testQueries = `
version: "1.0"
queries:
  backlog_by_type:
    description: Pending count per task type
    sql: >
      SELECT task_type, COUNT(*) AS pending
      FROM work_items
      WHERE status = 'pending'
      GROUP BY task_type
      ORDER BY task_type
    cache_ttl: 60
  item_history:
    description: Audit trail for one item
    sql: >
      SELECT action, session_name
      FROM assignment_events
      WHERE work_item_id = :work_item_id
      ORDER BY created_at ASC, id ASC
    params:
      - name: work_item_id
        type: string
        required: true
    cache_ttl: 0
`

type fixture struct {
	server   *Server
	queue    *queue.Store
	registry *registry.Store
	rules    *rules.Service
	rulesDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := db.Open(db.Options{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	q, err := queue.NewStore(pool)
	require.NoError(t, err)
	reg, err := registry.NewStore(pool)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "base"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "sla_rules.yaml"), []byte(testSla), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "routing_rules.yaml"), []byte(testRouting), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base", "queries.yaml"), []byte(testQueries), 0o644))
	svc, err := rules.NewService(dir, "", logger.Default())
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	server := NewServer(q, reg, svc, pool.Reader(), eventBus, Config{Host: "127.0.0.1", Port: 0}, logger.Default())
	return &fixture{server: server, queue: q, registry: reg, rules: svc, rulesDir: dir}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error body, got %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestEnqueueAndFetchItem(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/items", map[string]any{
		"payload":   "review the migration",
		"priority":  7,
		"task_type": "code_review",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", created["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/items/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "review the migration", decode(t, rec)["payload"])

	rec = f.do(t, http.MethodGet, "/api/v1/items/"+id+"/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestEnqueueAcceptsEmptyPayload(t *testing.T) {
	f := newFixture(t)

	// The payload is opaque; empty and absent are both valid work items.
	rec := f.do(t, http.MethodPost, "/api/v1/items", map[string]any{"payload": "", "priority": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "", created["payload"])
	assert.Equal(t, "pending", created["status"])

	rec = f.do(t, http.MethodPost, "/api/v1/items", map[string]any{"priority": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "", decode(t, rec)["payload"])
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", bytes.NewReader([]byte(`{"payload": `)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payload", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/api/v1/items", map[string]any{"payload": "x", "priority": 99})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))
}

func TestGetMissingItemReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/items/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestListItemsPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "w", Priority: 5})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/items?limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(1), body["offset"])

	// The limit clamps instead of erroring.
	rec = f.do(t, http.MethodGet, "/api/v1/items?limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(maxPageSize), decode(t, rec)["limit"])

	rec = f.do(t, http.MethodGet, "/api/v1/items?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))
}

func TestCancelMarksInProgressAdvisory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "p", Priority: 5})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/items/"+pending.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, false, body["advisory"])

	_, err = f.registry.Upsert(ctx, "alice", registry.ProviderClaude, "", "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "busy work", Priority: 5})
	require.NoError(t, err)
	item, err := f.queue.ClaimNextFor(ctx, queue.Selector{SessionName: "alice"})
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, f.queue.MarkDelivered(ctx, item.ID, "alice"))
	require.NoError(t, f.queue.MarkProgress(ctx, item.ID, "alice"))

	rec = f.do(t, http.MethodPost, "/api/v1/items/"+item.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "in_progress", body["status"])
	assert.Equal(t, true, body["advisory"], "an in_progress cancel is advisory only")
}

func TestRetryRequiresTerminalItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "p", Priority: 5})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/items/"+pending.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorCode(t, rec))

	_, err = f.queue.Cancel(ctx, pending.ID)
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/v1/items/"+pending.ID+"/retry", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	clone := decode(t, rec)
	assert.NotEqual(t, pending.ID, clone["id"])
	assert.Equal(t, "pending", clone["status"])
}

func TestCancelledTerminalItemRejectsSecondCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "p", Priority: 5})
	require.NoError(t, err)
	_, err = f.queue.Cancel(ctx, item.ID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/items/"+item.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "terminal_state", errorCode(t, rec))
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Upsert(ctx, "alice", registry.ProviderClaude, "reviews", "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode(t, rec)["name"])

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/sessions?bound=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errorCode(t, rec))
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{Payload: "a", Priority: 5, TaskType: "deploy"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	byStatus, ok := body["by_status"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, float64(1), byStatus["pending"])
}
