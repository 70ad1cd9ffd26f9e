package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harishkotra/metapilot/internal/knowledge"
	"github.com/harishkotra/metapilot/internal/llm"
	"github.com/harishkotra/metapilot/internal/web3"
)

type fakeClient struct {
	verdict *llm.Verdict
	err     error
	lastReq llm.Request
}

func (f *fakeClient) Decide(_ context.Context, req llm.Request) (*llm.Verdict, error) {
	f.lastReq = req
	return f.verdict, f.err
}

func TestDecideUsesProviderVerdict(t *testing.T) {
	client := &fakeClient{verdict: &llm.Verdict{
		ShouldExecute:  true,
		Reasoning:      "窗口内的小额转账，风险可控",
		Confidence:     72,
		RiskAssessment: "low",
	}}
	engine := NewEngine(client)

	d := engine.Decide(context.Background(), Input{Description: "send 10 USDC", Amount: 10}, web3.MarketSnapshot{})
	if d.Source != SourceProvider {
		t.Fatalf("应使用提供方裁决，实际来源 %s", d.Source)
	}
	if !d.ShouldExecute || d.Confidence != 72 {
		t.Fatalf("提供方裁决未被透传: %+v", d)
	}
}

// 提供方不可用且 gas=60：回退规则必须以高 gas 为由拒绝执行。
func TestDecideFallsBackOnProviderError(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	engine := NewEngine(client)

	d := engine.Decide(context.Background(), Input{Amount: 10}, web3.MarketSnapshot{GasPriceGwei: 60})
	if d.Source != SourceFallback {
		t.Fatalf("提供方失败时应降级到回退规则，实际来源 %s", d.Source)
	}
	if d.ShouldExecute {
		t.Fatal("gas=60 时回退规则应拒绝执行")
	}
	if !strings.Contains(d.Reasoning, "Gas price too high") {
		t.Fatalf("拒绝理由应说明 gas 过高: %q", d.Reasoning)
	}
}

func TestDecideWithoutClientAlwaysFallsBack(t *testing.T) {
	engine := NewEngine(nil)
	d := engine.Decide(context.Background(), Input{Amount: 5}, web3.MarketSnapshot{GasPriceGwei: 20})
	if d.Source != SourceFallback {
		t.Fatalf("未配置提供方时应走回退规则，实际来源 %s", d.Source)
	}
}

func TestFallbackRules(t *testing.T) {
	cases := []struct {
		name       string
		amount     float64
		market     web3.MarketSnapshot
		execute    bool
		confidence int
		risk       string
	}{
		{
			name:       "顺境放行",
			amount:     10,
			market:     web3.MarketSnapshot{GasPriceGwei: 20, NetworkCongestion: web3.CongestionLow},
			execute:    true,
			confidence: 80,
			risk:       "low",
		},
		{
			name:       "高 gas 拒绝",
			amount:     10,
			market:     web3.MarketSnapshot{GasPriceGwei: 51, NetworkCongestion: web3.CongestionLow},
			execute:    false,
			confidence: 90,
			risk:       "high - expensive gas fees",
		},
		{
			name:       "大额降低置信度",
			amount:     150,
			market:     web3.MarketSnapshot{GasPriceGwei: 20, NetworkCongestion: web3.CongestionLow},
			execute:    true,
			confidence: 60,
			risk:       "medium - large transaction amount",
		},
		{
			name:       "高 gas 叠加大额",
			amount:     150,
			market:     web3.MarketSnapshot{GasPriceGwei: 60, NetworkCongestion: web3.CongestionMedium},
			execute:    false,
			confidence: 70,
			risk:       "medium - large transaction amount",
		},
		{
			name:       "高拥堵最终覆盖",
			amount:     150,
			market:     web3.MarketSnapshot{GasPriceGwei: 20, NetworkCongestion: web3.CongestionHigh},
			execute:    false,
			confidence: 85,
			risk:       "high - network congestion",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Fallback(tc.amount, tc.market)
			if d.ShouldExecute != tc.execute {
				t.Fatalf("ShouldExecute=%v，期望 %v", d.ShouldExecute, tc.execute)
			}
			if d.Confidence != tc.confidence {
				t.Fatalf("Confidence=%d，期望 %d", d.Confidence, tc.confidence)
			}
			if d.RiskAssessment != tc.risk {
				t.Fatalf("RiskAssessment=%q，期望 %q", d.RiskAssessment, tc.risk)
			}
			if d.Source != SourceFallback {
				t.Fatalf("回退裁决来源应为 fallback，实际 %s", d.Source)
			}
		})
	}
}

type fakeKnowledge struct{ snippets []knowledge.Snippet }

func (f *fakeKnowledge) Query(_, _ string) []knowledge.Snippet {
	return f.snippets
}

func TestDecideAttachesRiskNotes(t *testing.T) {
	client := &fakeClient{verdict: &llm.Verdict{ShouldExecute: true, Reasoning: "ok", Confidence: 70}}
	provider := &fakeKnowledge{snippets: []knowledge.Snippet{
		{Title: "高 Gas 时段", Content: "工作日下午主网 gas 偏高"},
	}}
	engine := NewEngine(client, WithKnowledgeProvider(provider))

	engine.Decide(context.Background(), Input{Token: "0xabc"}, web3.MarketSnapshot{})
	if len(client.lastReq.RiskNotes) != 1 {
		t.Fatalf("风险提示应随请求下发，实际 %d 条", len(client.lastReq.RiskNotes))
	}
	if client.lastReq.RiskNotes[0].Title != "高 Gas 时段" {
		t.Fatalf("风险提示内容不符: %+v", client.lastReq.RiskNotes[0])
	}
}
