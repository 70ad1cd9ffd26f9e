package intent

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/schedule"
)

// Intent 描述一条由自然语言产生的行动指令。提交后除计划的
// NextExecution 被调度循环推进之外不可变。
type Intent struct {
	ID             string             `json:"id"`
	Description    string             `json:"description"`
	Token          string             `json:"token"`
	Amount         float64            `json:"amount"`
	TargetContract string             `json:"target_contract"`
	PermissionID   string             `json:"permission_id"`
	Schedule       *schedule.Schedule `json:"schedule,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Validate 检查意图的各字段是否完整合法。
func (i *Intent) Validate() error {
	if i == nil {
		return xerrors.New(xerrors.CodeValidation, "意图不能为空")
	}
	if strings.TrimSpace(i.Description) == "" {
		return xerrors.New(xerrors.CodeValidation, "意图描述不能为空")
	}
	if !common.IsHexAddress(strings.TrimSpace(i.Token)) {
		return xerrors.New(xerrors.CodeValidation, "代币标识不是合法的合约地址")
	}
	if i.Amount <= 0 {
		return xerrors.New(xerrors.CodeValidation, "意图金额必须大于 0")
	}
	if strings.TrimSpace(i.PermissionID) == "" {
		return xerrors.New(xerrors.CodeValidation, "意图必须关联授权 ID")
	}
	if !common.IsHexAddress(strings.TrimSpace(i.TargetContract)) {
		return xerrors.New(xerrors.CodeValidation, "目标合约地址不合法")
	}
	return nil
}

// Clone 返回意图的深拷贝快照。
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Schedule != nil {
		sched := *i.Schedule
		clone.Schedule = &sched
	}
	return &clone
}
