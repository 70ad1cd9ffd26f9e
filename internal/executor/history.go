package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// History 独占管理执行历史。写入采用逐条快照，持久化失败降级为日志，
// 进程内内存状态始终是权威数据。
type History struct {
	mu      sync.RWMutex
	adapter store.Adapter
	records map[string]*Execution
}

// NewHistory 创建执行历史并从持久化适配器恢复已有记录。
func NewHistory(ctx context.Context, adapter store.Adapter) (*History, error) {
	h := &History{
		adapter: adapter,
		records: make(map[string]*Execution),
	}
	if adapter != nil {
		if err := h.restore(ctx); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Create 登记一条新的执行记录。
func (h *History) Create(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "执行记录缺少 ID")
	}
	h.mu.Lock()
	if _, ok := h.records[exec.ID]; ok {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeState, "执行记录已存在")
	}
	clone := exec.Clone()
	h.records[exec.ID] = clone
	h.mu.Unlock()

	h.persist(ctx, clone)
	return nil
}

// Get 返回执行记录的副本。
func (h *History) Get(_ context.Context, id string) (*Execution, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	exec, ok := h.records[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// Update 以整条快照覆盖执行记录并持久化。终态记录不允许再变更。
func (h *History) Update(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "执行记录缺少 ID")
	}
	h.mu.Lock()
	current, ok := h.records[exec.ID]
	if !ok {
		h.mu.Unlock()
		return ErrExecutionNotFound
	}
	if IsTerminal(current.Status) {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeState, "执行记录已进入终态，不可变更")
	}
	clone := exec.Clone()
	h.records[exec.ID] = clone
	h.mu.Unlock()

	h.persist(ctx, clone)
	return nil
}

// List 返回符合过滤条件的执行记录。
func (h *History) List(_ context.Context, opts ...ListOption) ([]*Execution, error) {
	options := buildListOptions(opts)

	h.mu.RLock()
	matched := make([]*Execution, 0, len(h.records))
	for _, exec := range h.records {
		if matches(exec, options) {
			matched = append(matched, exec.Clone())
		}
	}
	h.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if options.Offset >= len(matched) {
		return []*Execution{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	return matched, nil
}

// Stats 返回符合过滤条件的执行统计。
func (h *History) Stats(_ context.Context, opts ...ListOption) (ExecutionStats, error) {
	options := buildListOptions(opts)

	h.mu.RLock()
	defer h.mu.RUnlock()

	var stats ExecutionStats
	for _, exec := range h.records {
		if !matches(exec, options) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case StatusPending:
			stats.Pending++
		case StatusExecuted:
			stats.Executed++
			if exec.Intent != nil {
				stats.TotalSpent += exec.Intent.Amount
			}
		case StatusFailed:
			stats.Failed++
		case StatusBlocked:
			stats.Blocked++
		}
		created := exec.CreatedAt.Unix()
		if stats.OldestCreatedAt == 0 || created < stats.OldestCreatedAt {
			stats.OldestCreatedAt = created
		}
		if created > stats.NewestCreatedAt {
			stats.NewestCreatedAt = created
		}
	}
	return stats, nil
}

func matches(exec *Execution, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if exec.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.PermissionID != "" {
		if exec.Intent == nil || exec.Intent.PermissionID != opts.PermissionID {
			return false
		}
	}
	if opts.ScheduleID != "" && exec.ScheduleID != opts.ScheduleID {
		return false
	}
	created := exec.CreatedAt.Unix()
	if opts.CreatedGTE > 0 && created < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && created > opts.CreatedLTE {
		return false
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		haystack := strings.ToLower(exec.Explanation + " " + exec.TxReference)
		if exec.Intent != nil {
			haystack += " " + strings.ToLower(exec.Intent.Description)
		}
		if !strings.Contains(haystack, query) {
			return false
		}
	}
	return true
}

func (h *History) persist(ctx context.Context, exec *Execution) {
	if h.adapter == nil {
		return
	}
	if err := h.adapter.Save(ctx, store.NamespaceExecutions, exec.ID, exec); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePersistence, err, "持久化执行记录失败")
		logger.L().Warn("执行记录写入失败，内存状态继续生效",
			slog.Any("error", wrapped),
			slog.String("execution_id", exec.ID),
		)
	}
}

func (h *History) restore(ctx context.Context) error {
	entries, err := h.adapter.LoadAll(ctx, store.NamespaceExecutions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "恢复执行历史失败")
	}
	for id, raw := range entries {
		var exec Execution
		if err := json.Unmarshal(raw, &exec); err != nil {
			logger.L().Warn("跳过无法解析的执行记录",
				slog.String("execution_id", id),
				slog.Any("error", err),
			)
			continue
		}
		h.records[exec.ID] = &exec
	}
	if len(h.records) > 0 {
		logger.L().Info("执行历史恢复完成", slog.Int("count", len(h.records)))
	}
	return nil
}

// PendingOlderThan 返回创建时间早于给定时刻且仍处于 pending 的记录，
// 供启动时的恢复流程重新入队。
func (h *History) PendingOlderThan(_ context.Context, cutoff time.Time) []*Execution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var result []*Execution
	for _, exec := range h.records {
		if exec.Status == StatusPending && exec.CreatedAt.Before(cutoff) {
			result = append(result, exec.Clone())
		}
	}
	return result
}
