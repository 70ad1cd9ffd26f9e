package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harishkotra/metapilot/internal/decision"
	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/llm"
	"github.com/harishkotra/metapilot/internal/observability/alerting"
	"github.com/harishkotra/metapilot/internal/permission"
	"github.com/harishkotra/metapilot/internal/schedule"
	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/internal/web3"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// Orchestrator 驱动单条执行流水线：授权校验、市场上下文、裁决、外部执行、
// 花费入账。手动提交与计划触发共用同一条流水线，二者语义严格一致。
//
// 状态机：pending → {blocked, failed, executed}，三个终态均不可再变更。
// 单次流水线内不做重试；重试只能来自下一次计划触发。
type Orchestrator struct {
	permissions *permission.Store
	decider     *decision.Engine
	executor    web3.Executor
	reader      web3.ChainReader
	history     *History
	producer    intent.Producer
	consumer    intent.Consumer
	adapter     store.Adapter
	scheduler   *schedule.Engine
	alerter     alerting.Dispatcher

	mu        sync.RWMutex
	scheduled map[string]*intent.Intent

	workerCount int
	now         func() time.Time
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) OrchestratorOption {
	return func(o *Orchestrator) {
		if workers > 0 {
			o.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// WithOrchestratorClock 注入时间源，测试时可以冻结时钟。
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 构造执行编排器并从持久化适配器恢复计划关联的意图。
func NewOrchestrator(
	ctx context.Context,
	permissions *permission.Store,
	decider *decision.Engine,
	executor web3.Executor,
	reader web3.ChainReader,
	history *History,
	queue intent.Queue,
	adapter store.Adapter,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if permissions == nil || decider == nil || history == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器依赖不完整")
	}
	o := &Orchestrator{
		permissions: permissions,
		decider:     decider,
		executor:    executor,
		reader:      reader,
		history:     history,
		producer:    queue,
		consumer:    queue,
		adapter:     adapter,
		scheduled:   make(map[string]*intent.Intent),
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if adapter != nil {
		if err := o.restoreIntents(ctx); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// BindScheduler 绑定调度引擎。必须在调用 ScheduleIntent 之前完成。
func (o *Orchestrator) BindScheduler(engine *schedule.Engine) {
	o.scheduler = engine
}

// Submit 登记一次立即执行的意图：创建 pending 执行记录并投递到分发队列。
func (o *Orchestrator) Submit(ctx context.Context, it *intent.Intent) (*Execution, error) {
	if err := it.Validate(); err != nil {
		return nil, err
	}
	if o.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "分发队列未初始化")
	}
	if _, err := o.permissions.Get(ctx, it.PermissionID); err != nil {
		return nil, err
	}

	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = o.now()
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		Intent:    it.Clone(),
		Status:    StatusPending,
		Trigger:   TriggerManual,
		CreatedAt: o.now(),
	}
	if err := o.history.Create(ctx, exec); err != nil {
		return nil, err
	}
	if err := o.producer.Publish(ctx, exec.ID); err != nil {
		wrapped := xerrors.Wrap(CodeExecutionDispatch, err, "执行请求入队失败")
		logger.L().Error("执行入队失败", slog.Any("error", wrapped), slog.String("execution_id", exec.ID))
		o.finalize(ctx, exec, StatusFailed, wrapped.Error(), CodeExecutionDispatch, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("执行已入队",
		slog.String("execution_id", exec.ID),
		slog.String("permission_id", it.PermissionID),
		slog.Float64("amount", it.Amount),
	)
	return exec.Clone(), nil
}

// ScheduleIntent 登记一个周期性意图：注册计划并保存意图快照，
// 每次触发时都会走与手动提交完全相同的流水线。
func (o *Orchestrator) ScheduleIntent(ctx context.Context, it *intent.Intent) (*schedule.Schedule, error) {
	if err := it.Validate(); err != nil {
		return nil, err
	}
	if it.Schedule == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "意图缺少执行计划")
	}
	if o.scheduler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度引擎未绑定")
	}
	if _, err := o.permissions.Get(ctx, it.PermissionID); err != nil {
		return nil, err
	}

	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = o.now()
	}
	sched := it.Schedule
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if err := o.scheduler.Register(ctx, sched); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.scheduled[sched.ID] = it.Clone()
	o.mu.Unlock()
	o.persistIntent(ctx, sched.ID, it)

	logger.Audit().Info("周期意图已登记",
		slog.String("schedule_id", sched.ID),
		slog.String("permission_id", it.PermissionID),
		slog.String("frequency", string(sched.Frequency)),
		slog.Int("interval", sched.Interval),
	)
	return sched, nil
}

// StopSchedule 停止计划并移除关联的意图。幂等：重复停止返回 false。
func (o *Orchestrator) StopSchedule(ctx context.Context, scheduleID string) bool {
	if o.scheduler == nil {
		return false
	}
	stopped := o.scheduler.Stop(ctx, scheduleID)
	if stopped {
		o.mu.Lock()
		delete(o.scheduled, scheduleID)
		o.mu.Unlock()
		if o.adapter != nil {
			if err := o.adapter.Delete(ctx, store.NamespaceIntents, scheduleID); err != nil {
				logger.L().Warn("删除意图快照失败", slog.Any("error", err), slog.String("schedule_id", scheduleID))
			}
		}
	}
	return stopped
}

// RunSchedule 是调度引擎的触发回调：为关联意图创建执行记录并立刻走流水线。
// 失败不向调度循环抛出，全部落在执行记录上。
func (o *Orchestrator) RunSchedule(ctx context.Context, scheduleID string) {
	o.mu.RLock()
	it, ok := o.scheduled[scheduleID]
	o.mu.RUnlock()
	if !ok {
		logger.L().Warn("计划触发但意图已不存在", slog.String("schedule_id", scheduleID))
		return
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		Intent:     it.Clone(),
		Status:     StatusPending,
		Trigger:    TriggerScheduled,
		ScheduleID: scheduleID,
		CreatedAt:  o.now(),
	}
	if err := o.history.Create(ctx, exec); err != nil {
		logger.L().Error("创建计划执行记录失败", slog.Any("error", err), slog.String("schedule_id", scheduleID))
		return
	}
	o.pipeline(ctx, exec)
}

// Start 先把上一个进程遗留的 pending 执行重新入队，再启动队列消费循环，
// 阻塞直到 ctx 取消。重复投递无害：终态记录在消费时直接跳过。
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "分发队列未初始化")
	}
	o.recoverPending(ctx)
	return o.consumer.Consume(ctx, o.workerCount, o.handle)
}

func (o *Orchestrator) recoverPending(ctx context.Context) {
	stale := o.history.PendingOlderThan(ctx, o.now())
	for _, exec := range stale {
		if err := o.producer.Publish(ctx, exec.ID); err != nil {
			logger.L().Warn("遗留执行重新入队失败",
				slog.Any("error", err),
				slog.String("execution_id", exec.ID),
			)
		}
	}
	if len(stale) > 0 {
		logger.L().Info("遗留 pending 执行已重新入队", slog.Int("count", len(stale)))
	}
}

func (o *Orchestrator) handle(ctx context.Context, executionID string) error {
	exec, err := o.history.Get(ctx, executionID)
	if err != nil {
		logger.L().Warn("跳过未知执行", slog.String("execution_id", executionID), slog.Any("error", err))
		return nil
	}
	if IsTerminal(exec.Status) {
		return nil
	}
	o.pipeline(ctx, exec)
	return nil
}

// pipeline 是唯一的执行路径。步骤按序短路：
// (1) 授权校验失败 → blocked；
// (2) 市场上下文获取失败 → failed；
// (3) 裁决拒绝 → blocked（裁决引擎自身永不失败，提供方错误在内部降级）；
// (4) 外部执行失败 → failed，不落任何花费；
// (5) 执行成功 → 花费入账 → executed。
func (o *Orchestrator) pipeline(ctx context.Context, exec *Execution) {
	it := exec.Intent

	if !o.permissions.ValidateAction(ctx, it.PermissionID, it.Token, it.Amount, it.TargetContract) {
		o.finalize(ctx, exec, StatusBlocked, "exceeds permission boundaries", xerrors.CodeBoundary, "")
		return
	}

	perm, err := o.permissions.Get(ctx, it.PermissionID)
	if err != nil {
		o.finalize(ctx, exec, StatusFailed, "授权记录读取失败", xerrors.CodeOf(err), err.Error())
		return
	}
	tracking, err := o.permissions.Tracking(ctx, it.PermissionID)
	if err != nil {
		o.finalize(ctx, exec, StatusFailed, "花费账本读取失败", xerrors.CodeOf(err), err.Error())
		return
	}

	var market web3.MarketSnapshot
	if o.reader != nil {
		market, err = o.reader.FetchMarketSnapshot(ctx)
		if err != nil {
			o.finalize(ctx, exec, StatusFailed, "市场上下文获取失败", xerrors.CodeProvider, err.Error())
			return
		}
		snapshot := market
		exec.Market = &snapshot
	}

	verdict := o.decider.Decide(ctx, decision.Input{
		Description:    it.Description,
		Amount:         it.Amount,
		Token:          it.Token,
		TargetContract: it.TargetContract,
		Constraints: llm.Constraints{
			Token:              perm.Token,
			MaxSpendAmount:     perm.MaxSpendAmount,
			TotalSpent:         tracking.TotalSpent,
			RemainingAllowance: tracking.RemainingAllowance,
			StartTime:          perm.StartTime,
			EndTime:            perm.EndTime,
			AllowedContracts:   perm.AllowedContracts,
		},
	}, market)
	exec.Decision = verdict

	if !verdict.ShouldExecute {
		o.finalize(ctx, exec, StatusBlocked, verdict.Reasoning, xerrors.CodeBoundary, "")
		return
	}

	if o.executor == nil {
		o.finalize(ctx, exec, StatusFailed, "执行通道未初始化", xerrors.CodeInitializationFailure, "")
		return
	}
	receipt, err := o.executor.Execute(ctx, web3.ExecutionCall{
		Destination:   it.TargetContract,
		Token:         it.Token,
		Amount:        it.Amount,
		PermissionRef: perm.GrantRef,
	})
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeExecution, err, "外部执行调用失败")
		o.finalize(ctx, exec, StatusFailed, wrapped.Error(), xerrors.CodeExecution, err.Error())
		return
	}

	exec.TxReference = receipt.TxReference
	if err := o.permissions.RecordSpend(ctx, it.PermissionID, it.Amount, receipt.TxReference); err != nil {
		// 链上花费已经发生，账本入账失败只能告警，不回滚执行结果。
		logger.L().Error("执行成功但花费入账失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
			slog.String("permission_id", it.PermissionID),
		)
		o.emitAlert(ctx, exec, xerrors.CodeOf(err), err)
	}
	o.finalize(ctx, exec, StatusExecuted, verdict.Reasoning, "", "")
}

// finalize 将执行记录推进到终态并持久化，必要时发出告警。
func (o *Orchestrator) finalize(ctx context.Context, exec *Execution, status Status, explanation string, code xerrors.Code, errMsg string) {
	exec.Status = status
	exec.Explanation = explanation
	exec.ErrorCode = code
	exec.ErrorMessage = errMsg
	exec.CompletedAt = o.now()
	if err := o.history.Update(ctx, exec); err != nil {
		logger.L().Error("更新执行终态失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
	}

	switch status {
	case StatusExecuted:
		logger.Audit().Info("执行完成",
			slog.String("execution_id", exec.ID),
			slog.String("permission_id", exec.Intent.PermissionID),
			slog.Float64("amount", exec.Intent.Amount),
			slog.String("tx_reference", exec.TxReference),
		)
	case StatusBlocked:
		logger.Audit().Warn("执行被拦截",
			slog.String("execution_id", exec.ID),
			slog.String("permission_id", exec.Intent.PermissionID),
			slog.String("explanation", explanation),
		)
	case StatusFailed:
		logger.Audit().Warn("执行失败",
			slog.String("execution_id", exec.ID),
			slog.String("permission_id", exec.Intent.PermissionID),
			slog.String("error_code", string(code)),
			slog.String("error", errMsg),
		)
		o.emitAlert(ctx, exec, code, xerrors.New(code, errMsg))
	}
}

func (o *Orchestrator) emitAlert(ctx context.Context, exec *Execution, code xerrors.Code, cause error) {
	if o.alerter == nil || exec == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert && !xerrors.ShouldAlert(cause) {
		return
	}
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:         code,
		Message:      message,
		Severity:     attrs.Severity,
		ExecutionID:  exec.ID,
		PermissionID: exec.Intent.PermissionID,
		ScheduleID:   exec.ScheduleID,
		OccurredAt:   o.now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
		)
	}
}

// Close 释放队列资源。
func (o *Orchestrator) Close() error {
	if o.producer != nil {
		return o.producer.Close()
	}
	return nil
}

func (o *Orchestrator) persistIntent(ctx context.Context, scheduleID string, it *intent.Intent) {
	if o.adapter == nil {
		return
	}
	if err := o.adapter.Save(ctx, store.NamespaceIntents, scheduleID, it); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePersistence, err, "持久化意图快照失败")
		logger.L().Warn("意图快照写入失败，内存状态继续生效",
			slog.Any("error", wrapped),
			slog.String("schedule_id", scheduleID),
		)
	}
}

func (o *Orchestrator) restoreIntents(ctx context.Context) error {
	entries, err := o.adapter.LoadAll(ctx, store.NamespaceIntents)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "恢复意图快照失败")
	}
	for scheduleID, raw := range entries {
		var it intent.Intent
		if err := json.Unmarshal(raw, &it); err != nil {
			logger.L().Warn("跳过无法解析的意图快照",
				slog.String("schedule_id", scheduleID),
				slog.Any("error", err),
			)
			continue
		}
		o.scheduled[scheduleID] = &it
	}
	if len(o.scheduled) > 0 {
		logger.L().Info("周期意图恢复完成", slog.Int("count", len(o.scheduled)))
	}
	return nil
}
