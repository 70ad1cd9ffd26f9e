package llm

import (
	"context"
	"time"

	"github.com/harishkotra/metapilot/internal/web3"
)

// Constraints 描述授权边界，作为推理的系统上下文传给大模型。
type Constraints struct {
	Token              string
	MaxSpendAmount     float64
	TotalSpent         float64
	RemainingAllowance float64
	StartTime          time.Time
	EndTime            time.Time
	AllowedContracts   []string
}

// Request 描述一次候选动作的完整推理上下文。
type Request struct {
	Description    string
	Amount         float64
	Token          string
	TargetContract string
	Constraints    Constraints
	Market         web3.MarketSnapshot
	RiskNotes      []RiskNote
}

// RiskNote 表示提供给大模型的风险提示切片。
type RiskNote struct {
	Title   string
	Content string
}

// Verdict 是大模型推理得到的结构化裁决。
type Verdict struct {
	ShouldExecute  bool
	Reasoning      string
	Confidence     int
	RiskAssessment string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Decide(ctx context.Context, req Request) (*Verdict, error)
}
