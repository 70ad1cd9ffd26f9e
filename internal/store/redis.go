package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/harishkotra/metapilot/internal/errors"
)

// RedisConfig 描述 Redis 快照存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisAdapter 把每个命名空间映射为一个 Redis hash，字段为实体 ID。
type RedisAdapter struct {
	client *redis.Client
	prefix string
}

// NewRedisAdapter 创建 Redis 适配器并校验连通性。
func NewRedisAdapter(cfg RedisConfig) (*RedisAdapter, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "metapilot"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisAdapter{client: client, prefix: prefix}, nil
}

// Save 实现 Adapter 接口。
func (r *RedisAdapter) Save(ctx context.Context, ns Namespace, id string, value any) error {
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
	if err := r.client.HSet(ctx, r.key(ns), id, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "写入 Redis 快照失败")
	}
	return nil
}

// Load 实现 Adapter 接口。
func (r *RedisAdapter) Load(ctx context.Context, ns Namespace, id string, out any) error {
	payload, err := r.client.HGet(ctx, r.key(ns), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrEntryNotFound
		}
		return xerrors.Wrap(xerrors.CodePersistence, err, "读取 Redis 快照失败")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "反序列化快照失败")
	}
	return nil
}

// LoadAll 实现 Adapter 接口。
func (r *RedisAdapter) LoadAll(ctx context.Context, ns Namespace) (map[string]json.RawMessage, error) {
	raw, err := r.client.HGetAll(ctx, r.key(ns)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "读取 Redis 命名空间失败")
	}
	result := make(map[string]json.RawMessage, len(raw))
	for id, payload := range raw {
		result[id] = json.RawMessage(payload)
	}
	return result, nil
}

// Delete 实现 Adapter 接口。
func (r *RedisAdapter) Delete(ctx context.Context, ns Namespace, id string) error {
	if err := r.client.HDel(ctx, r.key(ns), id).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "删除 Redis 快照失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisAdapter) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisAdapter) key(ns Namespace) string {
	return r.prefix + ":" + string(ns)
}

var _ Adapter = (*RedisAdapter)(nil)
