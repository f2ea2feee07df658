// Package store 提供 core.ObjectStore 的实现，接口定义在 core 包。
//
// 示例：
//
//	var objects core.ObjectStore = store.NewMemoryObjectStore()
//	objects, err := store.NewRedisObjectStore(ctx, "localhost:6379", "", 0, store.WithKeyPrefix("riskrank/"))
package store
