package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rushteam/riskrank/core"
)

// MemoryObjectStore 是内存实现的 ObjectStore，用于测试/开发/单机场景。
// 写入和读取都会拷贝数据，调用方修改返回的切片不影响存储内容。进程重启后数据丢失。
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	closed  bool
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Name() string { return "memory" }

func (m *MemoryObjectStore) PutObject(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.objects[key] = slices.Clone(data)
	return nil
}

func (m *MemoryObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, core.ErrStoreNotFound
	}
	return slices.Clone(data), nil
}

func (m *MemoryObjectStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	keys := make([]string, 0)
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryObjectStore) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	delete(m.objects, key)
	return nil
}

// Len 当前对象数量
func (m *MemoryObjectStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryObjectStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.objects = nil
	return nil
}

var errClosed = core.NewDomainError(core.ModuleStore, core.ErrorCodeStorageIO, "store: closed")

var _ core.ObjectStore = (*MemoryObjectStore)(nil)
