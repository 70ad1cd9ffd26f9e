package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义风险提示检索的通用接口。检索结果作为推理上下文
// 附加在大模型请求里，不参与授权判定。
type Provider interface {
	Query(token, contract string) []Snippet
}

// Snippet 描述可供大模型引用的一条风险提示。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态风险提示检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态风险提示库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载风险提示条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("风险提示库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析风险提示库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取风险提示库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析风险提示库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 按代币与目标合约检索相关的风险提示。关键字与标签均做
// 大小写不敏感的子串匹配，最多返回 maxResults 条。
func (p *StaticProvider) Query(token, contract string) []Snippet {
	if p == nil || len(p.items) == 0 {
		return nil
	}
	token = strings.ToLower(strings.TrimSpace(token))
	contract = strings.ToLower(strings.TrimSpace(contract))

	matched := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !matches(item, token, contract) {
			continue
		}
		matched = append(matched, item)
		if len(matched) >= p.maxResults {
			break
		}
	}
	return matched
}

func matches(item Snippet, token, contract string) bool {
	for _, keyword := range item.Keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		if token != "" && strings.Contains(token, keyword) {
			return true
		}
		if contract != "" && strings.Contains(contract, keyword) {
			return true
		}
	}
	for _, tag := range item.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if tag == "all" || tag == token || tag == contract {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
