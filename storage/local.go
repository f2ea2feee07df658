package storage

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rushteam/riskrank/core"
)

// tmpPrefix 写入中的临时文件前缀，list 时忽略
const tmpPrefix = ".tmp-"

// Option 存储配置选项
type Option func(*repository)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(r *repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(r *repository) { r.now = now }
}

func newRepository(io blobIO, backend string, opts []Option) *repository {
	r := &repository{io: io, backend: backend, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "model_storage", "backend", backend)
	return r
}

// LocalStorage 本地文件系统模型存储，目录结构：
//
//	<root>/models/<model_id>/v<version>/model.<ext>
//	<root>/models/<model_id>/v<version>/metadata.json
//
// 文件先写临时文件再 rename，读者不会看到写了一半的模型。
type LocalStorage struct {
	*repository
	root string
}

// NewLocalStorage 创建本地存储，root 不存在时自动创建
func NewLocalStorage(root string, opts ...Option) (*LocalStorage, error) {
	if root == "" {
		return nil, invalidInput("storage root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "models"), 0o755); err != nil {
		return nil, storageIO("create storage root "+root, err)
	}
	s := &LocalStorage{root: root}
	s.repository = newRepository(fsIO{root: root}, "local", opts)
	return s, nil
}

func (s *LocalStorage) Name() string { return "local" }

// Root 存储根目录
func (s *LocalStorage) Root() string { return s.root }

// ModelsDir 模型目录（models/），Watcher 监听该目录
func (s *LocalStorage) ModelsDir() string { return filepath.Join(s.root, "models") }

var _ core.ModelStorage = (*LocalStorage)(nil)

// fsIO 将 key 映射为 root 下的文件路径
type fsIO struct {
	root string
}

func (f fsIO) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f fsIO) read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errMissing
	}
	return data, err
}

func (f fsIO) write(_ context.Context, key string, data []byte) error {
	path := f.path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (f fsIO) list(_ context.Context, prefix string) ([]string, error) {
	base := f.path(prefix)
	var keys []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == base {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (f fsIO) removeAll(_ context.Context, prefix string) error {
	return os.RemoveAll(f.path(prefix))
}
