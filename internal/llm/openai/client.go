package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harishkotra/metapilot/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenAI 生成结构化裁决。响应无法解析为合法裁决时返回错误，
// 由上层降级到确定性回退逻辑。
func (c *Client) Decide(ctx context.Context, req llm.Request) (*llm.Verdict, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	var structured struct {
		ShouldExecute  *bool   `json:"shouldExecute"`
		Reasoning      string  `json:"reasoning"`
		Confidence     float64 `json:"confidence"`
		RiskAssessment string  `json:"riskAssessment"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("OpenAI 裁决不是合法 JSON: %w", err)
	}
	if structured.ShouldExecute == nil {
		return nil, errors.New("OpenAI 裁决缺少 shouldExecute 字段")
	}

	confidence := int(structured.Confidence)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return &llm.Verdict{
		ShouldExecute:  *structured.ShouldExecute,
		Reasoning:      structured.Reasoning,
		Confidence:     confidence,
		RiskAssessment: structured.RiskAssessment,
	}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: buildSystemPrompt(req),
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPromptHeader = "" +
	"You are MetaPilot's decision engine for autonomous spending. " +
	"Given the permission constraints and market snapshot below, decide whether the candidate action should execute. " +
	"Always respond with a compact JSON object: " +
	`{"shouldExecute": boolean, "reasoning": string, "confidence": number 0-100, "riskAssessment": string}.`

func buildSystemPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString(systemPromptHeader)
	builder.WriteString("\n\n## Permission constraints\n")
	builder.WriteString(fmt.Sprintf("token: %s\n", req.Constraints.Token))
	builder.WriteString(fmt.Sprintf("max spend: %g, spent: %g, remaining: %g\n",
		req.Constraints.MaxSpendAmount, req.Constraints.TotalSpent, req.Constraints.RemainingAllowance))
	builder.WriteString(fmt.Sprintf("window: %s - %s\n",
		req.Constraints.StartTime.Format(time.RFC3339), req.Constraints.EndTime.Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("allowed contracts: %s\n", strings.Join(req.Constraints.AllowedContracts, ", ")))
	builder.WriteString("\n## Market snapshot\n")
	builder.WriteString(fmt.Sprintf("gas price: %g gwei, congestion: %s, block: %s\n",
		req.Market.GasPriceGwei, req.Market.NetworkCongestion, req.Market.BlockNumber))
	return builder.String()
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## 候选动作\n")
	builder.WriteString(fmt.Sprintf("意图: %s\n", strings.TrimSpace(req.Description)))
	builder.WriteString(fmt.Sprintf("金额: %g %s\n", req.Amount, req.Token))
	builder.WriteString(fmt.Sprintf("目标合约: %s\n", req.TargetContract))

	if len(req.RiskNotes) > 0 {
		builder.WriteString("\n## 风险提示\n")
		for idx, note := range req.RiskNotes {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(note.Title),
				truncate(note.Content),
			))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n请仅输出 JSON 裁决对象。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 160 {
		return string([]rune(text)[:160]) + "..."
	}
	return text
}
