package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rushteam/riskrank/core"
)

// scanBatch 每次 SCAN 返回的建议条数
const scanBatch = 512

// RedisObjectStore 是 Redis 实现的 ObjectStore，对象以 string 类型存储，key 为 bucket 前缀 + 对象 key。
// 适合模型文件较小（MB 级）的场景，支持单机、集群、哨兵（UniversalClient）。
type RedisObjectStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption Redis 对象存储配置选项
type RedisOption func(*RedisObjectStore)

// WithKeyPrefix 设置 bucket 前缀，例如 "riskrank/"
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisObjectStore) { r.prefix = prefix }
}

// NewRedisObjectStore 连接 Redis 并检查连通性
func NewRedisObjectStore(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisObjectStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.WrapDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "connect redis "+addr, err)
	}
	return NewRedisObjectStoreWithClient(client, opts...), nil
}

// NewRedisObjectStoreWithClient 使用已有的客户端（调用方负责连通性检查）
func NewRedisObjectStoreWithClient(client redis.UniversalClient, opts ...RedisOption) *RedisObjectStore {
	r := &RedisObjectStore{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisObjectStore) Name() string { return "redis" }

func (r *RedisObjectStore) PutObject(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return core.WrapDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "put "+key, err)
	}
	return nil
}

func (r *RedisObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrStoreNotFound
	}
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "get "+key, err)
	}
	return val, nil
}

// ListObjects 用 SCAN 遍历前缀下的 key，不阻塞 Redis
func (r *RedisObjectStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(r.prefix+prefix) + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, core.WrapDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "scan "+prefix, err)
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *RedisObjectStore) DeleteObject(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return core.WrapDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "delete "+key, err)
	}
	return nil
}

func (r *RedisObjectStore) Close() error {
	return r.client.Close()
}

// escapeGlob 转义 SCAN MATCH 的通配符
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ core.ObjectStore = (*RedisObjectStore)(nil)
