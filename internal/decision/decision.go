package decision

import (
	"context"
	"log/slog"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
	"github.com/harishkotra/metapilot/internal/knowledge"
	"github.com/harishkotra/metapilot/internal/llm"
	"github.com/harishkotra/metapilot/internal/web3"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// Source 标记裁决的产生路径。
type Source string

const (
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
)

// Decision 是对一次候选动作的批准/拒绝裁决。
type Decision struct {
	ShouldExecute  bool   `json:"should_execute"`
	Reasoning      string `json:"reasoning"`
	Confidence     int    `json:"confidence"`
	RiskAssessment string `json:"risk_assessment"`
	Source         Source `json:"source"`
}

// Input 描述一次待裁决的候选动作及其授权边界。
type Input struct {
	Description    string
	Amount         float64
	Token          string
	TargetContract string
	Constraints    llm.Constraints
}

// Engine 优先调用外部推理提供方产生裁决；提供方未配置或调用失败时
// 降级到确定性回退规则。Decide 永远返回裁决，保证提供方不可用期间
// 流水线仍能得到结论。
type Engine struct {
	client    llm.Client
	knowledge knowledge.Provider
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithKnowledgeProvider 配置风险提示库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(e *Engine) {
		e.knowledge = provider
	}
}

// NewEngine 创建裁决引擎。client 为 nil 时始终走回退路径。
func NewEngine(client llm.Client, opts ...Option) *Engine {
	e := &Engine{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Decide 针对候选动作与市场快照产生裁决。提供方错误被就地吸收，
// 不会向调用方抛出。
func (e *Engine) Decide(ctx context.Context, input Input, market web3.MarketSnapshot) *Decision {
	if e.client != nil {
		verdict, err := e.client.Decide(ctx, llm.Request{
			Description:    input.Description,
			Amount:         input.Amount,
			Token:          input.Token,
			TargetContract: input.TargetContract,
			Constraints:    input.Constraints,
			Market:         market,
			RiskNotes:      e.collectRiskNotes(input.Token, input.TargetContract),
		})
		if err == nil && verdict != nil {
			return &Decision{
				ShouldExecute:  verdict.ShouldExecute,
				Reasoning:      verdict.Reasoning,
				Confidence:     verdict.Confidence,
				RiskAssessment: verdict.RiskAssessment,
				Source:         SourceProvider,
			}
		}
		wrapped := xerrors.Wrap(xerrors.CodeProvider, err, "推理提供方调用失败")
		logger.L().Warn("推理提供方不可用，使用回退规则",
			slog.String("target_contract", input.TargetContract),
			slog.Any("error", wrapped),
		)
	}
	return Fallback(input.Amount, market)
}

// Fallback 是确定性的本地裁决规则，提供方不可用时保证给出结论。
// 规则按固定顺序叠加：gas 价格、交易金额、网络拥堵；拥堵检查
// 覆盖金额检查设置的风险标签。
func Fallback(amount float64, market web3.MarketSnapshot) *Decision {
	d := &Decision{
		ShouldExecute:  true,
		Reasoning:      "Conditions are favorable for execution",
		Confidence:     80,
		RiskAssessment: "low",
		Source:         SourceFallback,
	}

	if market.GasPriceGwei > 50 {
		d.ShouldExecute = false
		d.Reasoning = "Gas price too high for efficient execution"
		d.Confidence = 90
		d.RiskAssessment = "high - expensive gas fees"
	}

	if amount > 100 {
		d.Confidence = d.Confidence - 20
		if d.Confidence < 50 {
			d.Confidence = 50
		}
		d.RiskAssessment = "medium - large transaction amount"
	}

	if market.NetworkCongestion == web3.CongestionHigh {
		d.ShouldExecute = false
		d.Reasoning = "Network congestion too high, transaction may fail or be expensive"
		d.Confidence = 85
		d.RiskAssessment = "high - network congestion"
	}

	return d
}

func (e *Engine) collectRiskNotes(token, contract string) []llm.RiskNote {
	if e.knowledge == nil {
		return nil
	}
	snippets := e.knowledge.Query(token, contract)
	if len(snippets) == 0 {
		return nil
	}
	notes := make([]llm.RiskNote, 0, len(snippets))
	for _, snippet := range snippets {
		notes = append(notes, llm.RiskNote{Title: snippet.Title, Content: snippet.Content})
	}
	return notes
}
