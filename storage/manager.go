package storage

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rushteam/riskrank/core"
)

// Manager 主存储 + 可选备份存储。
//
//   - 写入：主备并发写，主存储失败即失败，备份失败只记录 WARN
//   - 读取：主存储失败（包括校验和不一致）时回退到备份
//   - 列表/存在性：只查主存储
type Manager struct {
	primary core.ModelStorage
	backup  core.ModelStorage
	logger  *slog.Logger
}

// ManagerOption Manager 配置选项
type ManagerOption func(*Manager)

// WithBackup 设置备份存储
func WithBackup(s core.ModelStorage) ManagerOption {
	return func(m *Manager) { m.backup = s }
}

// WithManagerLogger 设置日志
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(primary core.ModelStorage, opts ...ManagerOption) *Manager {
	m := &Manager{primary: primary, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Name() string {
	if m.backup == nil {
		return m.primary.Name()
	}
	return m.primary.Name() + "+" + m.backup.Name()
}

// Primary 主存储
func (m *Manager) Primary() core.ModelStorage { return m.primary }

// Backup 备份存储，未配置时为 nil
func (m *Manager) Backup() core.ModelStorage { return m.backup }

func (m *Manager) SaveModel(ctx context.Context, blob []byte, meta *core.ModelMetadata) error {
	if m.backup == nil {
		return m.primary.SaveModel(ctx, blob, meta)
	}
	backupMeta := meta.Clone()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.primary.SaveModel(gctx, blob, meta)
	})
	g.Go(func() error {
		if backupMeta == nil {
			return nil
		}
		if err := m.backup.SaveModel(gctx, blob, backupMeta); err != nil {
			m.logger.Warn("Backup save failed", "model_id", backupMeta.ModelID, "version", backupMeta.Version, "error", err)
		}
		return nil
	})
	return g.Wait()
}

func (m *Manager) LoadModel(ctx context.Context, modelID, version string) ([]byte, *core.ModelMetadata, error) {
	blob, meta, err := m.primary.LoadModel(ctx, modelID, version)
	if err == nil || m.backup == nil || core.IsInvalidInput(err) {
		return blob, meta, err
	}
	m.logger.Warn("Primary load failed, trying backup", "model_id", modelID, "version", version, "error", err)
	blob, meta, bErr := m.backup.LoadModel(ctx, modelID, version)
	if bErr != nil {
		return nil, nil, errors.Join(err, bErr)
	}
	return blob, meta, nil
}

func (m *Manager) ListModels(ctx context.Context, modelID string) ([]*core.ModelMetadata, error) {
	return m.primary.ListModels(ctx, modelID)
}

func (m *Manager) ModelExists(ctx context.Context, modelID, version string) (bool, error) {
	return m.primary.ModelExists(ctx, modelID, version)
}

// DeleteModel 主备都删除；备份中不存在不算错误
func (m *Manager) DeleteModel(ctx context.Context, modelID, version string) error {
	err := m.primary.DeleteModel(ctx, modelID, version)
	if m.backup != nil {
		if bErr := m.backup.DeleteModel(ctx, modelID, version); bErr != nil && !core.IsNotFound(bErr) {
			m.logger.Warn("Backup delete failed", "model_id", modelID, "version", version, "error", bErr)
		}
	}
	return err
}

func (m *Manager) UpdateMetadata(ctx context.Context, meta *core.ModelMetadata) error {
	if err := m.primary.UpdateMetadata(ctx, meta); err != nil {
		return err
	}
	if m.backup != nil {
		if err := m.backup.UpdateMetadata(ctx, meta.Clone()); err != nil {
			m.logger.Warn("Backup metadata update failed", "model_id", meta.ModelID, "version", meta.Version, "error", err)
		}
	}
	return nil
}

// VerifyIntegrity 校验主存储中模型文件与元数据校验和是否一致
func (m *Manager) VerifyIntegrity(ctx context.Context, modelID, version string) (bool, error) {
	_, _, err := m.primary.LoadModel(ctx, modelID, version)
	switch {
	case err == nil:
		return true, nil
	case core.IsCorruptModel(err):
		m.logger.Warn("Model integrity check failed", "model_id", modelID, "version", version, "error", err)
		return false, nil
	default:
		return false, err
	}
}

var _ core.ModelStorage = (*Manager)(nil)
