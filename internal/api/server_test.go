package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harishkotra/metapilot/internal/decision"
	"github.com/harishkotra/metapilot/internal/executor"
	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/permission"
	"github.com/harishkotra/metapilot/internal/schedule"
	"github.com/harishkotra/metapilot/internal/web3"
)

const (
	testToken    = "0x1111111111111111111111111111111111111111"
	testContract = "0x2222222222222222222222222222222222222222"
)

type stubGranter struct{}

func (stubGranter) CreatePermission(context.Context, web3.GrantRequest) (web3.GrantResult, error) {
	return web3.GrantResult{Reference: "grant-ref"}, nil
}

func (stubGranter) RevokePermission(context.Context, string) error { return nil }

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, web3.ExecutionCall) (web3.ExecutionReceipt, error) {
	return web3.ExecutionReceipt{TxReference: "0xtx"}, nil
}

type stubReader struct{}

func (stubReader) FetchMarketSnapshot(context.Context) (web3.MarketSnapshot, error) {
	return web3.MarketSnapshot{GasPriceGwei: 20, NetworkCongestion: web3.CongestionLow}, nil
}

func newTestServer(t *testing.T) (*Server, *permission.Store, *executor.History) {
	t.Helper()
	ctx := context.Background()

	permissions, err := permission.NewStore(ctx, stubGranter{}, nil)
	if err != nil {
		t.Fatalf("create permission store: %v", err)
	}
	history, err := executor.NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	orch, err := executor.NewOrchestrator(ctx, permissions, decision.NewEngine(nil),
		stubExecutor{}, stubReader{}, history, intent.NewMemoryQueue(16), nil)
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	engine, err := schedule.NewEngine(ctx, orch.RunSchedule, nil)
	if err != nil {
		t.Fatalf("create schedule engine: %v", err)
	}
	orch.BindScheduler(engine)

	return NewServer(":0", permissions, orch, history, engine), permissions, history
}

func createPermission(t *testing.T, permissions *permission.Store) *permission.Permission {
	t.Helper()
	now := time.Now()
	perm, err := permissions.Create(context.Background(), permission.CreateRequest{
		Token:            testToken,
		MaxSpendAmount:   100,
		StartTime:        now.Add(-time.Hour),
		EndTime:          now.Add(24 * time.Hour),
		AllowedContracts: []string{testContract},
	})
	if err != nil {
		t.Fatalf("create permission: %v", err)
	}
	return perm
}

func TestHandlePermissionsLifecycle(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `{"token":"` + testToken + `","max_spend_amount":100,` +
		`"start_time":"2026-01-01T00:00:00Z","end_time":"2027-01-01T00:00:00Z",` +
		`"allowed_contracts":["` + testContract + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handlePermissions(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created permission.Permission
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != permission.StatusActive {
		t.Fatalf("unexpected permission: %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/permissions/"+created.ID, nil)
	rec = httptest.NewRecorder()
	server.handlePermissionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/permissions/"+created.ID+"/revoke", nil)
	rec = httptest.NewRecorder()
	server.handlePermissionByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke failed: got %d: %s", rec.Code, rec.Body.String())
	}

	// Revoking twice is a state conflict.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/permissions/"+created.ID+"/revoke", nil)
	rec = httptest.NewRecorder()
	server.handlePermissionByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestHandlePermissionsErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		server.handlePermissions(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("validation failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/permissions", strings.NewReader(`{"token":"not-an-address"}`))
		rec := httptest.NewRecorder()
		server.handlePermissions(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/permissions/missing", nil)
		rec := httptest.NewRecorder()
		server.handlePermissionByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleIntentsImmediate(t *testing.T) {
	server, permissions, _ := newTestServer(t)
	perm := createPermission(t, permissions)

	body := `{"description":"send 10 USDC","token":"` + testToken + `","amount":10,` +
		`"target_contract":"` + testContract + `","permission_id":"` + perm.ID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleIntents(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp struct {
		Execution *executor.Execution `json:"execution"`
		Schedule  *schedule.Schedule  `json:"schedule"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Execution == nil || resp.Execution.Status != executor.StatusPending {
		t.Fatalf("expected pending execution, got %+v", resp.Execution)
	}
	if resp.Schedule != nil {
		t.Fatal("one-shot intent must not produce a schedule")
	}
}

func TestHandleIntentsRecurring(t *testing.T) {
	server, permissions, _ := newTestServer(t)
	perm := createPermission(t, permissions)

	body := `{"description":"send 10 USDC every 3 days","token":"` + testToken + `","amount":10,` +
		`"target_contract":"` + testContract + `","permission_id":"` + perm.ID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleIntents(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp struct {
		Schedule *schedule.Schedule `json:"schedule"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Schedule == nil || resp.Schedule.Frequency != schedule.FrequencyDaily || resp.Schedule.Interval != 3 {
		t.Fatalf("unexpected schedule: %+v", resp.Schedule)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil)
	rec = httptest.NewRecorder()
	server.handleSchedules(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list schedules failed: %d", rec.Code)
	}
	var active []*schedule.Schedule
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode schedules: %v", err)
	}
	if len(active) != 1 || active[0].ID != resp.Schedule.ID {
		t.Fatalf("unexpected active schedules: %+v", active)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+resp.Schedule.ID+"/stop", nil)
	rec = httptest.NewRecorder()
	server.handleScheduleByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop schedule failed: %d", rec.Code)
	}
	var stopResp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &stopResp); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if !stopResp["stopped"] {
		t.Fatal("expected stopped=true")
	}
}

func TestHandleExecutionByIDErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/executions/exec-1", nil)
		rec := httptest.NewRecorder()
		server.handleExecutionByID(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/missing", nil)
		rec := httptest.NewRecorder()
		server.handleExecutionByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestListOptionsFromQuery(t *testing.T) {
	server, permissions, history := newTestServer(t)
	perm := createPermission(t, permissions)

	ctx := context.Background()
	for i, status := range []executor.Status{executor.StatusExecuted, executor.StatusBlocked, executor.StatusExecuted} {
		exec := &executor.Execution{
			ID: "exec-" + string(rune('a'+i)),
			Intent: &intent.Intent{
				Description:    "send tokens",
				Token:          testToken,
				Amount:         10,
				TargetContract: testContract,
				PermissionID:   perm.ID,
			},
			Status:    executor.StatusPending,
			Trigger:   executor.TriggerManual,
			CreatedAt: time.Now(),
		}
		if err := history.Create(ctx, exec); err != nil {
			t.Fatalf("create execution: %v", err)
		}
		exec.Status = status
		if err := history.Update(ctx, exec); err != nil {
			t.Fatalf("update execution: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions?status=executed&permission_id="+perm.ID, nil)
	rec := httptest.NewRecorder()
	server.handleExecutions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list executions failed: %d", rec.Code)
	}
	var executions []*executor.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &executions); err != nil {
		t.Fatalf("decode executions: %v", err)
	}
	if len(executions) != 2 {
		t.Fatalf("expected 2 executed records, got %d", len(executions))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/executions/stats", nil)
	rec = httptest.NewRecorder()
	server.handleExecutionStats(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var stats executor.ExecutionStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.Executed != 2 || stats.Blocked != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
