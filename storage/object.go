package storage

import (
	"context"
	"strings"

	"github.com/rushteam/riskrank/core"
)

// ObjectStorage 基于 core.ObjectStore 的模型存储，key 布局与 LocalStorage 相同，位于 bucket 前缀下。
//
// 使用示例：
//
//	objects, _ := store.NewRedisObjectStore(ctx, "localhost:6379", "", 0)
//	s := storage.NewObjectStorage(objects, "riskrank/")
type ObjectStorage struct {
	*repository
	store  core.ObjectStore
	prefix string
}

// NewObjectStorage prefix 为 bucket 前缀，可为空
func NewObjectStorage(objects core.ObjectStore, prefix string, opts ...Option) *ObjectStorage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &ObjectStorage{store: objects, prefix: prefix}
	s.repository = newRepository(objectIO{store: objects, prefix: prefix}, "object:"+objects.Name(), opts)
	return s
}

func (s *ObjectStorage) Name() string { return "object:" + s.store.Name() }

// Close 关闭底层对象存储
func (s *ObjectStorage) Close() error { return s.store.Close() }

var _ core.ModelStorage = (*ObjectStorage)(nil)

type objectIO struct {
	store  core.ObjectStore
	prefix string
}

func (o objectIO) read(ctx context.Context, key string) ([]byte, error) {
	data, err := o.store.GetObject(ctx, o.prefix+key)
	if core.IsStoreNotFound(err) {
		return nil, errMissing
	}
	return data, err
}

func (o objectIO) write(ctx context.Context, key string, data []byte) error {
	return o.store.PutObject(ctx, o.prefix+key, data)
}

func (o objectIO) list(ctx context.Context, prefix string) ([]string, error) {
	keys, err := o.store.ListObjects(ctx, o.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, o.prefix)
	}
	return out, nil
}

func (o objectIO) removeAll(ctx context.Context, prefix string) error {
	keys, err := o.store.ListObjects(ctx, o.prefix+prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := o.store.DeleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
