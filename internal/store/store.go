package store

import (
	"context"
	"encoding/json"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
)

// Namespace 划分持久化存储中的实体集合。
type Namespace string

const (
	NamespacePermissions Namespace = "permissions"
	NamespaceLedgers     Namespace = "spend-ledgers"
	NamespaceExecutions  Namespace = "executions"
	NamespaceSchedules   Namespace = "schedules"
	NamespaceIntents     Namespace = "intents"
)

// AllNamespaces 列出全部命名空间，供适配器做全量恢复。
var AllNamespaces = []Namespace{
	NamespacePermissions, NamespaceLedgers, NamespaceExecutions, NamespaceSchedules, NamespaceIntents,
}

// ErrEntryNotFound 表示指定命名空间下不存在对应条目。
var ErrEntryNotFound = xerrors.New(xerrors.CodeNotFound, "store entry not found")

// Adapter 抽象了按命名空间组织的键值快照存储。
// 每次写入都是以实体 ID 为键的完整快照，重新加载必须精确还原所有时间戳字段。
type Adapter interface {
	// Save 以 JSON 快照的形式写入一个实体。
	Save(ctx context.Context, ns Namespace, id string, value any) error
	// Load 读取单个实体并反序列化到 out。条目不存在时返回 ErrEntryNotFound。
	Load(ctx context.Context, ns Namespace, id string, out any) error
	// LoadAll 返回命名空间下的全部条目，键为实体 ID。
	LoadAll(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error)
	// Delete 删除单个实体。条目不存在时静默返回。
	Delete(ctx context.Context, ns Namespace, id string) error
	Close() error
}

// IsValidNamespace 检查命名空间是否为支持的枚举值。
func IsValidNamespace(ns Namespace) bool {
	switch ns {
	case NamespacePermissions, NamespaceLedgers, NamespaceExecutions, NamespaceSchedules, NamespaceIntents:
		return true
	default:
		return false
	}
}
