package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/store"
)

func newExecution(id string, status Status, amount float64, createdAt time.Time) *Execution {
	return &Execution{
		ID: id,
		Intent: &intent.Intent{
			ID:             "intent-" + id,
			Description:    "send tokens",
			Token:          testToken,
			Amount:         amount,
			TargetContract: testContract,
			PermissionID:   "perm-1",
		},
		Status:    status,
		Trigger:   TriggerManual,
		CreatedAt: createdAt,
	}
}

func TestHistoryCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	history, err := NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}

	exec := newExecution("e1", StatusPending, 10, time.Now())
	if err := history.Create(ctx, exec); err != nil {
		t.Fatalf("首次登记失败: %v", err)
	}
	if err := history.Create(ctx, exec); err == nil {
		t.Fatal("重复 ID 应当被拒绝")
	}
	if _, err := history.Get(ctx, "no-such-execution"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("未知执行应返回 ErrExecutionNotFound，实际 %v", err)
	}
}

func TestHistoryTerminalRecordsImmutable(t *testing.T) {
	ctx := context.Background()
	history, err := NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}

	exec := newExecution("e1", StatusPending, 10, time.Now())
	if err := history.Create(ctx, exec); err != nil {
		t.Fatalf("登记执行失败: %v", err)
	}

	exec.Status = StatusExecuted
	exec.CompletedAt = time.Now()
	if err := history.Update(ctx, exec); err != nil {
		t.Fatalf("推进到终态失败: %v", err)
	}

	exec.Status = StatusFailed
	if err := history.Update(ctx, exec); err == nil {
		t.Fatal("终态记录不应允许再变更")
	}

	got, err := history.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("读取执行失败: %v", err)
	}
	if got.Status != StatusExecuted {
		t.Fatalf("终态应保持 executed，实际 %s", got.Status)
	}
}

func TestHistoryListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	history, err := NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	executions := []*Execution{
		newExecution("e1", StatusExecuted, 10, base),
		newExecution("e2", StatusBlocked, 20, base.Add(time.Minute)),
		newExecution("e3", StatusExecuted, 30, base.Add(2*time.Minute)),
		newExecution("e4", StatusFailed, 40, base.Add(3*time.Minute)),
	}
	for _, exec := range executions {
		if err := history.Create(ctx, exec); err != nil {
			t.Fatalf("登记执行 %s 失败: %v", exec.ID, err)
		}
	}

	// 默认按创建时间倒序。
	all, err := history.List(ctx)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(all) != 4 || all[0].ID != "e4" || all[3].ID != "e1" {
		t.Fatalf("默认排序不符: %d 条，首条 %s", len(all), all[0].ID)
	}

	executed, err := history.List(ctx, WithStatuses(StatusExecuted))
	if err != nil {
		t.Fatalf("按状态过滤失败: %v", err)
	}
	if len(executed) != 2 {
		t.Fatalf("executed 过滤应得 2 条，实际 %d", len(executed))
	}

	page, err := history.List(ctx, WithSortOrder(SortByCreatedAsc), WithOffset(1), WithLimit(2))
	if err != nil {
		t.Fatalf("分页查询失败: %v", err)
	}
	if len(page) != 2 || page[0].ID != "e2" || page[1].ID != "e3" {
		t.Fatalf("分页结果不符: %v", []string{page[0].ID, page[1].ID})
	}

	// 偏移越界返回空列表而不是错误。
	empty, err := history.List(ctx, WithOffset(100))
	if err != nil {
		t.Fatalf("越界偏移不应报错: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("越界偏移应得空列表，实际 %d 条", len(empty))
	}
}

func TestHistoryStats(t *testing.T) {
	ctx := context.Background()
	history, err := NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for _, exec := range []*Execution{
		newExecution("e1", StatusExecuted, 10, base),
		newExecution("e2", StatusExecuted, 25, base.Add(time.Minute)),
		newExecution("e3", StatusBlocked, 70, base.Add(2*time.Minute)),
		newExecution("e4", StatusPending, 5, base.Add(3*time.Minute)),
	} {
		if err := history.Create(ctx, exec); err != nil {
			t.Fatalf("登记执行 %s 失败: %v", exec.ID, err)
		}
	}

	stats, err := history.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 4 || stats.Executed != 2 || stats.Blocked != 1 || stats.Pending != 1 {
		t.Fatalf("状态计数不符: %+v", stats)
	}
	// 只有 executed 记录计入花费。
	if stats.TotalSpent != 35 {
		t.Fatalf("花费合计应为 35，实际 %v", stats.TotalSpent)
	}
	if stats.OldestCreatedAt != base.Unix() {
		t.Fatalf("最早创建时间不符: %d != %d", stats.OldestCreatedAt, base.Unix())
	}
}

// 持久化后重建历史，记录的全部字段保持一致。
func TestHistoryPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter, err := store.NewMemoryAdapter("")
	if err != nil {
		t.Fatalf("创建存储适配器失败: %v", err)
	}

	history, err := NewHistory(ctx, adapter)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}
	exec := newExecution("e1", StatusPending, 12.5, time.Now().Truncate(time.Second))
	if err := history.Create(ctx, exec); err != nil {
		t.Fatalf("登记执行失败: %v", err)
	}
	exec.Status = StatusExecuted
	exec.TxReference = "0xroundtrip"
	exec.Explanation = "Conditions are favorable for execution"
	exec.CompletedAt = exec.CreatedAt.Add(time.Second)
	if err := history.Update(ctx, exec); err != nil {
		t.Fatalf("推进执行失败: %v", err)
	}

	restored, err := NewHistory(ctx, adapter)
	if err != nil {
		t.Fatalf("重建执行历史失败: %v", err)
	}
	got, err := restored.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("恢复后读取失败: %v", err)
	}
	if got.Status != StatusExecuted || got.TxReference != "0xroundtrip" {
		t.Fatalf("恢复结果不符: %s/%s", got.Status, got.TxReference)
	}
	if got.Intent == nil || got.Intent.Amount != 12.5 {
		t.Fatal("意图字段未完整恢复")
	}
	if !got.CreatedAt.Equal(exec.CreatedAt) || !got.CompletedAt.Equal(exec.CompletedAt) {
		t.Fatal("时间字段未完整恢复")
	}
}

func TestHistoryPendingOlderThan(t *testing.T) {
	ctx := context.Background()
	history, err := NewHistory(ctx, nil)
	if err != nil {
		t.Fatalf("创建执行历史失败: %v", err)
	}

	now := time.Now()
	stale := newExecution("stale", StatusPending, 10, now.Add(-10*time.Minute))
	fresh := newExecution("fresh", StatusPending, 10, now)
	done := newExecution("done", StatusExecuted, 10, now.Add(-10*time.Minute))
	for _, exec := range []*Execution{stale, fresh, done} {
		if err := history.Create(ctx, exec); err != nil {
			t.Fatalf("登记执行失败: %v", err)
		}
	}

	old := history.PendingOlderThan(ctx, now.Add(-5*time.Minute))
	if len(old) != 1 || old[0].ID != "stale" {
		t.Fatalf("应只找回超时的 pending 记录，实际 %d 条", len(old))
	}
}
