package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pagerun/internal/store"
	"github.com/rendis/pagerun/internal/validation"
	"github.com/rendis/pagerun/pkg/schema"
)

// --- Mock runner ---

type mockRunner struct {
	mu        sync.Mutex
	submitted []*schema.BatchSpec
	submitErr error
	snapshot  *schema.BatchSnapshot
	statusErr error
	stopped   []string
	stopErr   error
	stopAll   bool
	tracked   []*schema.BatchSnapshot
}

func (m *mockRunner) ExecuteBatch(_ context.Context, spec *schema.BatchSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, spec)
	return "batch-1", nil
}

func (m *mockRunner) BatchStatus(_ context.Context, batchID string) (*schema.BatchSnapshot, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.snapshot, nil
}

func (m *mockRunner) ListBatches() []*schema.BatchSnapshot {
	return m.tracked
}

func (m *mockRunner) StopBatch(_ context.Context, batchID string) error {
	if m.stopErr != nil {
		return m.stopErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, batchID)
	return nil
}

func (m *mockRunner) StopAll(_ context.Context) {
	m.stopAll = true
}

// --- Mock store ---

type mockHistoryStore struct {
	store.Store // embed for unimplemented methods

	records []*store.BatchHistoryRecord
	cleared bool
}

func (m *mockHistoryStore) GetBatchHistory(_ context.Context, batchID string) (*store.BatchHistoryRecord, error) {
	for _, r := range m.records {
		if r.BatchID == batchID {
			return r, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "batch not found")
}

func (m *mockHistoryStore) ListBatchHistory(_ context.Context, filter store.HistoryFilter) ([]*store.BatchHistoryRecord, error) {
	result := make([]*store.BatchHistoryRecord, 0)
	for _, r := range m.records {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockHistoryStore) CountBatchHistory(_ context.Context, status schema.BatchStatus) (int, error) {
	n := 0
	for _, r := range m.records {
		if status == "" || r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *mockHistoryStore) ClearBatchHistory(_ context.Context) error {
	m.cleared = true
	m.records = nil
	return nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, runner BatchRunner, hist store.Store) *PageRunServer {
	t.Helper()
	gv, err := validation.NewGraphValidator()
	require.NoError(t, err)
	return NewPageRunServer(PageRunServerDeps{
		Runner:    runner,
		Store:     hist,
		Validator: gv,
	})
}

func graphMap(workID string) map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": workID, "type": "click", "config": map[string]any{"selector": "#go"}},
		},
		"edges": []any{
			map[string]any{"source": "start", "target": workID},
		},
	}
}

// --- Tests ---

func TestBatchRunTool(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner, nil)

	req := buildRequest("pagerun.batch_run", map[string]any{
		"spec": map[string]any{
			"name":         "nightly",
			"worker_count": 2,
			"workflows": []any{
				map[string]any{"graph": graphMap("click")},
			},
		},
	})

	result, err := s.handleBatchRun(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.Len(t, runner.submitted, 1)
	assert.Equal(t, "nightly", runner.submitted[0].Name)
	assert.Equal(t, 2, runner.submitted[0].WorkerCount)
}

func TestBatchRunToolMissingSpec(t *testing.T) {
	s := newTestServer(t, &mockRunner{}, nil)

	req := buildRequest("pagerun.batch_run", map[string]any{})
	result, err := s.handleBatchRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestBatchRunToolRejectsInvalidGraph(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner, nil)

	// Graph with an unknown node type fails structural validation.
	bad := graphMap("click")
	bad["nodes"].([]any)[1].(map[string]any)["type"] = "teleport"

	req := buildRequest("pagerun.batch_run", map[string]any{
		"spec": map[string]any{
			"workflows": []any{map[string]any{"graph": bad}},
		},
	})

	result, err := s.handleBatchRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, runner.submitted)
}

func TestBatchStatusTool(t *testing.T) {
	runner := &mockRunner{
		snapshot: &schema.BatchSnapshot{
			BatchID: "batch-9",
			Status:  schema.BatchRunning,
			Counts:  schema.BatchCounts{Running: 1, Queued: 2},
		},
	}
	s := newTestServer(t, runner, nil)

	req := buildRequest("pagerun.batch_status", map[string]any{"batch_id": "batch-9"})
	result, err := s.handleBatchStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestBatchStatusToolListsAll(t *testing.T) {
	runner := &mockRunner{
		tracked: []*schema.BatchSnapshot{
			{BatchID: "a", Status: schema.BatchRunning},
			{BatchID: "b", Status: schema.BatchCompleted},
		},
	}
	s := newTestServer(t, runner, nil)

	req := buildRequest("pagerun.batch_status", map[string]any{})
	result, err := s.handleBatchStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestBatchStatusToolNotFound(t *testing.T) {
	runner := &mockRunner{statusErr: schema.NewError(schema.ErrCodeNotFound, "batch not found")}
	s := newTestServer(t, runner, nil)

	req := buildRequest("pagerun.batch_status", map[string]any{"batch_id": "missing"})
	result, err := s.handleBatchStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestBatchStopTool(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner, nil)

	req := buildRequest("pagerun.batch_stop", map[string]any{"batch_id": "batch-3"})
	result, err := s.handleBatchStop(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"batch-3"}, runner.stopped)

	// Missing batch_id.
	req = buildRequest("pagerun.batch_stop", map[string]any{})
	result, err = s.handleBatchStop(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStopAllTool(t *testing.T) {
	runner := &mockRunner{}
	s := newTestServer(t, runner, nil)

	result, err := s.handleStopAll(context.Background(), buildRequest("pagerun.stop_all", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, runner.stopAll)
}

func TestBatchHistoryTool(t *testing.T) {
	now := time.Now().UTC()
	hist := &mockHistoryStore{
		records: []*store.BatchHistoryRecord{
			{BatchID: "h1", Status: schema.BatchCompleted, SubmittedAt: now, FinishedAt: now},
			{BatchID: "h2", Status: schema.BatchStopped, SubmittedAt: now, FinishedAt: now},
		},
	}
	s := newTestServer(t, &mockRunner{}, hist)

	// Full list.
	result, err := s.handleBatchHistory(context.Background(), buildRequest("pagerun.batch_history", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Status filter.
	result, err = s.handleBatchHistory(context.Background(), buildRequest("pagerun.batch_history", map[string]any{
		"status": "stopped",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Single record.
	result, err = s.handleBatchHistory(context.Background(), buildRequest("pagerun.batch_history", map[string]any{
		"batch_id": "h1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Unknown record.
	result, err = s.handleBatchHistory(context.Background(), buildRequest("pagerun.batch_history", map[string]any{
		"batch_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestBatchHistoryToolNoStore(t *testing.T) {
	s := newTestServer(t, &mockRunner{}, nil)

	result, err := s.handleBatchHistory(context.Background(), buildRequest("pagerun.batch_history", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestClearHistoryTool(t *testing.T) {
	hist := &mockHistoryStore{
		records: []*store.BatchHistoryRecord{{BatchID: "h1", Status: schema.BatchCompleted}},
	}
	s := newTestServer(t, &mockRunner{}, hist)

	result, err := s.handleClearHistory(context.Background(), buildRequest("pagerun.clear_history", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.True(t, hist.cleared)
}

func TestScanTool(t *testing.T) {
	var gotPath, gotPattern string
	var gotRecursive bool
	s := NewPageRunServer(PageRunServerDeps{
		Runner: &mockRunner{},
		Scanner: func(root string, recursive bool, pattern string) ([]schema.WorkflowFileInfo, error) {
			gotPath, gotRecursive, gotPattern = root, recursive, pattern
			return []schema.WorkflowFileInfo{{Path: root + "/a.json", Name: "a"}}, nil
		},
	})

	req := buildRequest("pagerun.scan", map[string]any{
		"path":      "/flows",
		"recursive": true,
		"pattern":   "*.wf.json",
	})
	result, err := s.handleScan(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "/flows", gotPath)
	assert.True(t, gotRecursive)
	assert.Equal(t, "*.wf.json", gotPattern)

	// Missing path.
	result, err = s.handleScan(context.Background(), buildRequest("pagerun.scan", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestServerRegistersAllTools(t *testing.T) {
	s := newTestServer(t, &mockRunner{}, nil)
	require.NotNil(t, s.MCPServer())
	assert.Len(t, s.tools(), 7)
}
