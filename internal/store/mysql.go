package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
)

// MySQLConfig 描述 MySQL 快照存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLAdapter 把快照保存在单张命名空间表中，适合多实例共享状态。
type MySQLAdapter struct {
	db *sql.DB
}

// NewMySQLAdapter 建立连接池并应用嵌入的 SQL 迁移，确保快照表存在。
func NewMySQLAdapter(ctx context.Context, cfg MySQLConfig) (*MySQLAdapter, error) {
	if cfg.DSN == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("打开 MySQL 连接失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化快照表失败: %w", err)
	}
	return &MySQLAdapter{db: db}, nil
}

// Save 实现 Adapter 接口。
func (m *MySQLAdapter) Save(ctx context.Context, ns Namespace, id string, value any) error {
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
	const query = `
INSERT INTO metapilot_snapshots (namespace, entity_id, payload, updated_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	if _, err := m.db.ExecContext(ctx, query, string(ns), id, payload, time.Now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "写入 MySQL 快照失败")
	}
	return nil
}

// Load 实现 Adapter 接口。
func (m *MySQLAdapter) Load(ctx context.Context, ns Namespace, id string, out any) error {
	const query = `SELECT payload FROM metapilot_snapshots WHERE namespace = ? AND entity_id = ?`
	var payload []byte
	err := m.db.QueryRowContext(ctx, query, string(ns), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotFound
		}
		return xerrors.Wrap(xerrors.CodePersistence, err, "读取 MySQL 快照失败")
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "反序列化快照失败")
	}
	return nil
}

// LoadAll 实现 Adapter 接口。
func (m *MySQLAdapter) LoadAll(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error) {
	const query = `SELECT entity_id, payload FROM metapilot_snapshots WHERE namespace = ?`
	rows, err := m.db.QueryContext(ctx, query, string(ns))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "读取 MySQL 命名空间失败")
	}
	defer rows.Close()

	result := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodePersistence, err, "扫描快照行失败")
		}
		result[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "遍历快照行失败")
	}
	return result, nil
}

// Delete 实现 Adapter 接口。
func (m *MySQLAdapter) Delete(ctx context.Context, ns Namespace, id string) error {
	const query = `DELETE FROM metapilot_snapshots WHERE namespace = ? AND entity_id = ?`
	if _, err := m.db.ExecContext(ctx, query, string(ns), id); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "删除 MySQL 快照失败")
	}
	return nil
}

// Close 关闭连接池。
func (m *MySQLAdapter) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

var _ Adapter = (*MySQLAdapter)(nil)
