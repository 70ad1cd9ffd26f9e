package executor

import (
	"time"

	"github.com/harishkotra/metapilot/internal/decision"
	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/web3"
)

// Status 表示一次执行所处的状态。pending 之外的三个状态均为终态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
)

// IsValidStatus 判断给定状态是否合法。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusExecuted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusExecuted || status == StatusFailed || status == StatusBlocked
}

// Trigger 标记执行的触发来源。
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Execution 记录一次行动尝试的完整过程：意图快照、裁决、市场上下文
// 以及终态结论。记录一旦进入终态不再变更。
type Execution struct {
	ID           string               `json:"id"`
	Intent       *intent.Intent       `json:"intent"`
	Status       Status               `json:"status"`
	Trigger      Trigger              `json:"trigger"`
	ScheduleID   string               `json:"schedule_id,omitempty"`
	Decision     *decision.Decision   `json:"decision,omitempty"`
	Market       *web3.MarketSnapshot `json:"market,omitempty"`
	TxReference  string               `json:"tx_reference,omitempty"`
	Explanation  string               `json:"explanation,omitempty"`
	ErrorCode    xerrors.Code         `json:"error_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	CompletedAt  time.Time            `json:"completed_at,omitempty"`
}

// Clone 返回执行记录的深拷贝。
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Intent = e.Intent.Clone()
	if e.Decision != nil {
		d := *e.Decision
		clone.Decision = &d
	}
	if e.Market != nil {
		m := *e.Market
		clone.Market = &m
	}
	return &clone
}

// 执行域专用错误码。
const (
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionDispatch xerrors.Code = "EXECUTION_DISPATCH_FAILURE"
)

// ErrExecutionNotFound 表示执行记录不存在。
var ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "执行记录不存在")

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:  "执行记录不存在",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionDispatch, xerrors.Attributes{
		Message:   "执行请求入队失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
