package schedule

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// Runner 在计划到期时被调用，执行对应意图的完整流水线。
// 运行内部的失败必须被吸收进执行记录，Runner 本身不返回错误，
// 保证单个计划的失败不会终止调度循环或影响其他计划。
type Runner func(ctx context.Context, scheduleID string)

// fireEntry 是时间有序堆中的一个待触发项。
type fireEntry struct {
	fireAt     time.Time
	scheduleID string
	seq        uint64
}

// fireHeap 按触发时间组织待触发项，时间相同时按入堆顺序稳定排序。
type fireHeap []*fireEntry

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)   { *h = append(*h, x.(*fireEntry)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Engine 维护活跃计划注册表，用单个调度循环驱动一个时间有序的
// 触发堆，替代自我重挂的定时器闭包。同一个计划的两次执行严格串行：
// 下一次触发时刻只在当前执行结束后才计算并重新入堆。
type Engine struct {
	mu      sync.Mutex
	entries map[string]*Schedule
	pending fireHeap
	seq     uint64

	runner  Runner
	adapter store.Adapter
	wake    chan struct{}
	now     func() time.Time
}

// EngineOption 定义可选的 Engine 配置。
type EngineOption func(*Engine)

// WithEngineClock 注入时间源。
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建调度引擎并从持久化适配器恢复活跃计划。
func NewEngine(ctx context.Context, runner Runner, adapter store.Adapter, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		entries: make(map[string]*Schedule),
		runner:  runner,
		adapter: adapter,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if adapter != nil {
		if err := e.restore(ctx); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register 把一个重复计划加入活跃注册表并安排首次触发。
// 计划的 NextExecution 为零值时按频率从当前时刻计算。
func (e *Engine) Register(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "计划 ID 不能为空")
	}
	if sched.Type != TypeRecurring || !sched.IsActive {
		return xerrors.New(xerrors.CodeValidation, "只能注册活跃的重复计划")
	}
	if !IsValidFrequency(sched.Frequency) {
		return xerrors.New(xerrors.CodeValidation, "不支持的计划频率: "+string(sched.Frequency))
	}

	clone := cloneSchedule(sched)
	if clone.NextExecution.IsZero() {
		clone.NextExecution = NextExecution(clone.Frequency, clone.Interval, e.now())
	}

	e.mu.Lock()
	e.entries[clone.ID] = clone
	e.pushLocked(clone.ID, clone.NextExecution)
	e.mu.Unlock()

	e.persist(ctx, clone)
	e.wakeLoop()

	logger.Audit().Info("计划已注册",
		slog.String("schedule_id", clone.ID),
		slog.String("frequency", string(clone.Frequency)),
		slog.Int("interval", clone.Interval),
		slog.Time("next_execution", clone.NextExecution),
	)
	return nil
}

// Stop 取消一个计划的后续触发并从活跃注册表移除。幂等：
// 未知或已停止的 ID 返回 false 且无副作用。进行中的执行不会被打断。
func (e *Engine) Stop(ctx context.Context, id string) bool {
	e.mu.Lock()
	sched, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	sched.IsActive = false
	clone := cloneSchedule(sched)
	delete(e.entries, id)
	e.mu.Unlock()

	e.persist(ctx, clone)
	logger.Audit().Info("计划已停止", slog.String("schedule_id", id))
	return true
}

// Active 返回活跃计划的快照列表，供 API 与测试检视。
func (e *Engine) Active() []*Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]*Schedule, 0, len(e.entries))
	for _, sched := range e.entries {
		result = append(result, cloneSchedule(sched))
	}
	return result
}

// Start 运行调度循环，直到上下文取消。到期的计划依次串行执行；
// 计算出的延迟小于等于零时（时钟漂移或积压）立即触发而不是跳过周期。
func (e *Engine) Start(ctx context.Context) error {
	if e.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置计划执行器")
	}
	for {
		next, ok := e.peekNext()
		if !ok {
			// 没有待触发项，等待注册或取消。
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
				continue
			}
		}

		delay := next.Sub(e.now())
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-e.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		id, ok := e.popDue()
		if !ok {
			continue
		}

		e.runner(ctx, id)

		e.mu.Lock()
		sched, active := e.entries[id]
		if active && sched.IsActive {
			sched.NextExecution = NextExecution(sched.Frequency, sched.Interval, e.now())
			e.pushLocked(id, sched.NextExecution)
			clone := cloneSchedule(sched)
			e.mu.Unlock()
			e.persist(ctx, clone)
			continue
		}
		e.mu.Unlock()
	}
}

// peekNext 返回最早的待触发时刻，并清理已停止计划的残留项。
func (e *Engine) peekNext() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending.Len() > 0 {
		entry := e.pending[0]
		sched, ok := e.entries[entry.scheduleID]
		if !ok || !sched.IsActive {
			heap.Pop(&e.pending)
			continue
		}
		return entry.fireAt, true
	}
	return time.Time{}, false
}

// popDue 弹出一个已到期的计划 ID。
func (e *Engine) popDue() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending.Len() > 0 {
		entry := e.pending[0]
		sched, ok := e.entries[entry.scheduleID]
		if !ok || !sched.IsActive {
			heap.Pop(&e.pending)
			continue
		}
		if entry.fireAt.After(e.now()) {
			return "", false
		}
		heap.Pop(&e.pending)
		return entry.scheduleID, true
	}
	return "", false
}

func (e *Engine) pushLocked(id string, fireAt time.Time) {
	e.seq++
	heap.Push(&e.pending, &fireEntry{fireAt: fireAt, scheduleID: id, seq: e.seq})
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// persist 同步写入计划快照，失败只记录日志。
func (e *Engine) persist(ctx context.Context, sched *Schedule) {
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Save(ctx, store.NamespaceSchedules, sched.ID, sched); err != nil {
		logger.L().Warn("持久化计划快照失败",
			slog.String("schedule_id", sched.ID),
			slog.Any("error", err),
		)
	}
}

// restore 从持久化适配器恢复计划，仅活跃的重复计划重新入堆。
func (e *Engine) restore(ctx context.Context) error {
	raw, err := e.adapter.LoadAll(ctx, store.NamespaceSchedules)
	if err != nil {
		return err
	}
	for id, payload := range raw {
		var sched Schedule
		if err := json.Unmarshal(payload, &sched); err != nil {
			return xerrors.Wrap(xerrors.CodePersistence, err, "恢复计划快照失败")
		}
		if sched.Type != TypeRecurring || !sched.IsActive {
			continue
		}
		e.entries[id] = &sched
		e.pushLocked(id, sched.NextExecution)
	}
	return nil
}
