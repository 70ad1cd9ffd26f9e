package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
)

// MemoryAdapter 以内存方式保存快照，可选地把每个命名空间镜像到
// dataDir 下的 JSON 文件，进程重启后能够恢复状态。
type MemoryAdapter struct {
	mu      sync.RWMutex
	entries map[Namespace]map[string]json.RawMessage
	dataDir string
}

// NewMemoryAdapter 创建内存适配器。dataDir 为空时不落盘。
func NewMemoryAdapter(dataDir string) (*MemoryAdapter, error) {
	adapter := &MemoryAdapter{
		entries: make(map[Namespace]map[string]json.RawMessage),
		dataDir: dataDir,
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
		if err := adapter.restore(); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

// Save 实现 Adapter 接口。
func (m *MemoryAdapter) Save(_ context.Context, ns Namespace, id string, value any) error {
	if !IsValidNamespace(ns) {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的命名空间: %s", ns))
	}
	if id == "" {
		return xerrors.New(xerrors.CodeValidation, "实体 ID 不能为空")
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "序列化快照失败")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.entries[ns]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		m.entries[ns] = bucket
	}
	bucket[id] = payload
	return m.flushLocked(ns)
}

// Load 实现 Adapter 接口。
func (m *MemoryAdapter) Load(_ context.Context, ns Namespace, id string, out any) error {
	m.mu.RLock()
	payload, ok := m.entries[ns][id]
	m.mu.RUnlock()
	if !ok {
		return ErrEntryNotFound
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "反序列化快照失败")
	}
	return nil
}

// LoadAll 实现 Adapter 接口。
func (m *MemoryAdapter) LoadAll(_ context.Context, ns Namespace) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.entries[ns]
	result := make(map[string]json.RawMessage, len(bucket))
	for id, payload := range bucket {
		clone := make(json.RawMessage, len(payload))
		copy(clone, payload)
		result[id] = clone
	}
	return result, nil
}

// Delete 实现 Adapter 接口。
func (m *MemoryAdapter) Delete(_ context.Context, ns Namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.entries[ns]
	if !ok {
		return nil
	}
	if _, ok := bucket[id]; !ok {
		return nil
	}
	delete(bucket, id)
	return m.flushLocked(ns)
}

// Close 对内存适配器无需操作。
func (m *MemoryAdapter) Close() error {
	return nil
}

// flushLocked 把单个命名空间整体写入镜像文件。调用方必须持有写锁。
func (m *MemoryAdapter) flushLocked(ns Namespace) error {
	if m.dataDir == "" {
		return nil
	}
	payload, err := json.MarshalIndent(m.entries[ns], "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "序列化命名空间失败")
	}
	path := m.namespacePath(ns)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "写入快照文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "替换快照文件失败")
	}
	return nil
}

// restore 从镜像文件恢复全部命名空间。
func (m *MemoryAdapter) restore() error {
	for _, ns := range AllNamespaces {
		content, err := os.ReadFile(m.namespacePath(ns))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return xerrors.Wrap(xerrors.CodePersistence, err, "读取快照文件失败")
		}
		bucket := make(map[string]json.RawMessage)
		if err := json.Unmarshal(content, &bucket); err != nil {
			return xerrors.Wrap(xerrors.CodePersistence, err, fmt.Sprintf("快照文件 %s 已损坏", ns))
		}
		m.entries[ns] = bucket
	}
	return nil
}

func (m *MemoryAdapter) namespacePath(ns Namespace) string {
	return filepath.Join(m.dataDir, string(ns)+".json")
}

var _ Adapter = (*MemoryAdapter)(nil)
