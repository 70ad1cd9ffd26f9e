package permission

import (
	"math"
	"time"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
)

// Status 表示授权在生命周期中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Epsilon 是花费账本允许的十进制漂移容差。
const Epsilon = 1e-6

// Permission 描述用户授予代理的一条限时、限额、限合约的花费授权。
type Permission struct {
	ID               string    `json:"id"`
	Token            string    `json:"token"`
	MaxSpendAmount   float64   `json:"max_spend_amount"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	AllowedContracts []string  `json:"allowed_contracts"`
	Status           Status    `json:"status"`
	GrantedAt        time.Time `json:"granted_at"`
	GrantRef         string    `json:"grant_ref,omitempty"`
	Signature        string    `json:"signature,omitempty"`
}

// SpendEntry 记录一次花费在账本中的落账。
type SpendEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Amount         float64   `json:"amount"`
	Reference      string    `json:"reference"`
	RemainingAfter float64   `json:"remaining_after"`
}

// SpendTracking 是与授权一一对应的花费账本。
// 不变式: TotalSpent + RemainingAllowance == MaxSpendAmount（容差 Epsilon），
// TotalSpent 单调不减，RemainingAllowance 初始化之后单调不增。
type SpendTracking struct {
	PermissionID       string       `json:"permission_id"`
	TotalSpent         float64      `json:"total_spent"`
	RemainingAllowance float64      `json:"remaining_allowance"`
	Entries            []SpendEntry `json:"entries"`
}

// CreateRequest 描述创建授权所需的全部边界。
type CreateRequest struct {
	Token            string    `json:"token"`
	MaxSpendAmount   float64   `json:"max_spend_amount"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	AllowedContracts []string  `json:"allowed_contracts"`
}

var (
	// ErrPermissionNotFound 表示指定的授权不存在。
	ErrPermissionNotFound = xerrors.New(CodePermissionNotFound, "permission not found")
	// ErrNotActive 表示授权不处于可撤销的 active 状态。
	ErrNotActive = xerrors.New(xerrors.CodeState, "can only revoke active permissions")
	// ErrLedgerMissing 表示授权缺少对应的花费账本，属于内部不变式被破坏。
	ErrLedgerMissing = xerrors.New(CodeLedgerMissing, "spend tracking missing for permission",
		xerrors.WithSeverity(xerrors.SeverityCritical), xerrors.WithAlert(true))
)

const (
	CodePermissionNotFound xerrors.Code = "PERMISSION_NOT_FOUND"
	CodeLedgerMissing      xerrors.Code = "SPEND_LEDGER_MISSING"
)

func init() {
	xerrors.Register(CodePermissionNotFound, xerrors.Attributes{
		Message:   "permission not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLedgerMissing, xerrors.Attributes{
		Message:   "spend tracking missing for permission",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的授权状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusActive, StatusExpired, StatusRevoked:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。expired 与 revoked 均不可再转移。
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// CheckInvariant 校验账本不变式是否在容差内成立。
func (t *SpendTracking) CheckInvariant(maxSpend float64) bool {
	if t == nil {
		return false
	}
	return math.Abs(t.TotalSpent+t.RemainingAllowance-maxSpend) <= Epsilon
}

func clonePermission(p *Permission) *Permission {
	clone := *p
	clone.AllowedContracts = append([]string(nil), p.AllowedContracts...)
	return &clone
}

func cloneTracking(t *SpendTracking) *SpendTracking {
	clone := *t
	clone.Entries = append([]SpendEntry(nil), t.Entries...)
	return &clone
}
