package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听 LocalStorage 的 models 目录，有版本写入完成（metadata.json 变化）或被删除时发送模型 id。
//
// fsnotify 不递归，新建的模型/版本目录会在创建事件中补充监听。ctx 结束时关闭返回的 channel。
func Watch(ctx context.Context, modelsDir string, logger *slog.Logger) (<-chan string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, storageIO("create watcher", err)
	}
	err = filepath.WalkDir(modelsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, storageIO("watch "+modelsDir, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Model watcher error", "error", err)
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				id, changed := classifyEvent(w, modelsDir, event, logger)
				if !changed {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// classifyEvent 返回事件所属的模型 id，以及是否需要通知
func classifyEvent(w *fsnotify.Watcher, modelsDir string, event fsnotify.Event, logger *slog.Logger) (string, bool) {
	rel, err := filepath.Rel(modelsDir, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	id := parts[0]
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, tmpPrefix) {
		return "", false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// 创建与 Add 之间可能已写入子目录和文件，补扫一遍
			complete := false
			_ = filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if err := w.Add(path); err != nil {
						logger.Warn("Failed to watch model directory", "path", path, "error", err)
					}
				} else if d.Name() == metadataFile {
					complete = true
				}
				return nil
			})
			return id, complete
		}
	}

	switch {
	case base == metadataFile && event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename):
		return id, true
	case event.Has(fsnotify.Remove) && len(parts) <= 2:
		return id, true
	}
	return "", false
}
