package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/executor"
	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/permission"
	"github.com/harishkotra/metapilot/internal/schedule"
)

// Server 负责暴露 REST 接口，供外部管理授权、提交意图并查询执行历史。
type Server struct {
	addr         string
	permissions  *permission.Store
	orchestrator *executor.Orchestrator
	history      *executor.History
	scheduler    *schedule.Engine
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, permissions *permission.Store, orch *executor.Orchestrator, history *executor.History, scheduler *schedule.Engine) *Server {
	return &Server{
		addr:         addr,
		permissions:  permissions,
		orchestrator: orch,
		history:      history,
		scheduler:    scheduler,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/permissions", s.handlePermissions)
	mux.HandleFunc("/api/v1/permissions/", s.handlePermissionByID)
	mux.HandleFunc("/api/v1/intents", s.handleIntents)
	mux.HandleFunc("/api/v1/executions", s.handleExecutions)
	mux.HandleFunc("/api/v1/executions/stats", s.handleExecutionStats)
	mux.HandleFunc("/api/v1/executions/", s.handleExecutionByID)
	mux.HandleFunc("/api/v1/schedules", s.handleSchedules)
	mux.HandleFunc("/api/v1/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/healthz", s.handleHealth)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if s.permissions == nil {
		http.Error(w, "授权存储未初始化", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req permission.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		perm, err := s.permissions.Create(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, perm)
	case http.MethodGet:
		var statuses []permission.Status
		for _, raw := range r.URL.Query()["status"] {
			statuses = append(statuses, permission.Status(raw))
		}
		perms, err := s.permissions.List(r.Context(), statuses...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, perms)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePermissionByID(w http.ResponseWriter, r *http.Request) {
	if s.permissions == nil {
		http.Error(w, "授权存储未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/permissions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		perm, err := s.permissions.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, perm)
	case len(parts) == 2 && parts[1] == "revoke" && r.Method == http.MethodPost:
		if err := s.permissions.Revoke(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(permission.StatusRevoked)})
	case len(parts) == 2 && parts[1] == "tracking" && r.Method == http.MethodGet:
		tracking, err := s.permissions.Tracking(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tracking)
	default:
		http.NotFound(w, r)
	}
}

// intentRequest 是提交意图的请求体。描述中的周期表达（如 every day）
// 会被解析为执行计划，其余意图立即分发。
type intentRequest struct {
	Description    string  `json:"description"`
	Token          string  `json:"token"`
	Amount         float64 `json:"amount"`
	TargetContract string  `json:"target_contract"`
	PermissionID   string  `json:"permission_id"`
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		http.Error(w, "执行编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	it := &intent.Intent{
		Description:    req.Description,
		Token:          req.Token,
		Amount:         req.Amount,
		TargetContract: req.TargetContract,
		PermissionID:   req.PermissionID,
	}

	parsed := schedule.Parse(req.Description)
	if parsed.Type == schedule.TypeRecurring {
		it.Schedule = &parsed
		sched, err := s.orchestrator.ScheduleIntent(r.Context(), it)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"intent":   it,
			"schedule": sched,
		})
		return
	}

	exec, err := s.orchestrator.Submit(r.Context(), it)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"intent":    it,
		"execution": exec,
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "执行历史未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	executions, err := s.history.List(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "执行历史未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.history.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "执行历史未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/executions/"), "/")
	if id == "" || id == "stats" {
		http.NotFound(w, r)
		return
	}
	exec, err := s.history.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "调度引擎未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Active())
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		http.Error(w, "执行编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/schedules/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "stop" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	stopped := s.orchestrator.StopSchedule(r.Context(), parts[0])
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listOptionsFromQuery(r *http.Request) []executor.ListOption {
	var opts []executor.ListOption
	query := r.URL.Query()
	for _, raw := range query["status"] {
		opts = append(opts, executor.WithStatuses(executor.Status(raw)))
	}
	if v := query.Get("permission_id"); v != "" {
		opts = append(opts, executor.WithPermissionID(v))
	}
	if v := query.Get("schedule_id"); v != "" {
		opts = append(opts, executor.WithScheduleID(v))
	}
	if v := query.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			opts = append(opts, executor.WithLimit(parsed))
		}
	}
	if v := query.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			opts = append(opts, executor.WithOffset(parsed))
		}
	}
	if v := query.Get("q"); v != "" {
		opts = append(opts, executor.WithQuery(v))
	}
	return opts
}

// writeError 将类型化错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation:
		status = http.StatusBadRequest
	case xerrors.CodeState:
		status = http.StatusConflict
	case xerrors.CodeNotFound, permission.CodePermissionNotFound, executor.CodeExecutionNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
