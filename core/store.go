package core

import "context"

// ObjectStore 是对象存储的领域接口（S3 兼容语义：bucket 前缀 + key）。
//
// 设计原则：
//   - 定义在领域层（core），由基础设施层（store）实现
//   - 只暴露模型存储需要的最小操作集，不直接依赖具体 SDK
//
// 实现：
//   - store.RedisObjectStore：基于 Redis 的对象存储
//   - store.MemoryObjectStore：进程内实现，用于测试和单机场景
type ObjectStore interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// PutObject 写入对象，覆盖已存在的 key
	PutObject(ctx context.Context, key string, data []byte) error

	// GetObject 读取对象，不存在时返回 ErrStoreNotFound
	GetObject(ctx context.Context, key string) ([]byte, error)

	// ListObjects 列出以 prefix 开头的所有 key（字典序）
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// DeleteObject 删除对象，不存在时不报错
	DeleteObject(ctx context.Context, key string) error

	// Close 关闭连接/释放资源
	Close() error
}

// ErrStoreNotFound 表示 key 不存在
var ErrStoreNotFound = NewDomainError(ModuleStore, ErrorCodeNotFound, "store: key not found")

// IsStoreNotFound 检查错误是否为对象存储 key 不存在
func IsStoreNotFound(err error) bool {
	domainErr := GetDomainError(err)
	if domainErr != nil && domainErr.Module == ModuleStore {
		return domainErr.Code == ErrorCodeNotFound
	}
	return false
}
