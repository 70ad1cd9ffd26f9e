package executor

// ExecutionStats 聚合执行历史的统计信息，常用于仪表盘或健康检查。
type ExecutionStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Executed        int     `json:"executed"`
	Failed          int     `json:"failed"`
	Blocked         int     `json:"blocked"`
	TotalSpent      float64 `json:"total_spent"`
	OldestCreatedAt int64   `json:"oldest_created_at,omitempty"`
	NewestCreatedAt int64   `json:"newest_created_at,omitempty"`
}
