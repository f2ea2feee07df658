package core

import (
	"context"
	"time"
)

// ModelStatus 模型版本的生命周期状态
type ModelStatus string

const (
	StatusDraft      ModelStatus = "draft"
	StatusStaging    ModelStatus = "staging"
	StatusProduction ModelStatus = "production"
	StatusDeprecated ModelStatus = "deprecated"
	StatusArchived   ModelStatus = "archived"
)

// Valid 判断状态是否合法
func (s ModelStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusStaging, StatusProduction, StatusDeprecated, StatusArchived:
		return true
	}
	return false
}

// ModelMetadata 模型元数据，对应模型目录下的 metadata.json。
//
// Checksum 为模型文件内容的 SHA-256（十六进制），每次读取都会重新校验。
type ModelMetadata struct {
	ModelID            string             `json:"model_id"`
	Version            string             `json:"version"`
	SemanticVersion    string             `json:"semantic_version,omitempty"`
	Algorithm          string             `json:"algorithm"`
	FeatureCount       int                `json:"feature_count"`
	SchemaVersion      string             `json:"schema_version,omitempty"`
	TrainingTimestamp  string             `json:"training_timestamp"`
	ModelSizeBytes     int64              `json:"model_size_bytes"`
	Checksum           string             `json:"checksum"`
	FileExtension      string             `json:"file_extension,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`
	Config             map[string]any     `json:"config,omitempty"`
	Tags               map[string]string  `json:"tags,omitempty"`
	Description        string             `json:"description,omitempty"`
	CreatedBy          string             `json:"created_by,omitempty"`
	Status             ModelStatus        `json:"status"`
	ParentVersion      string             `json:"parent_version,omitempty"`
	TrainingRunID      string             `json:"training_run_id,omitempty"`
	CreatedAt          string             `json:"created_at,omitempty"`
	UpdatedAt          string             `json:"updated_at,omitempty"`
	FirstDeployedAt    string             `json:"first_deployed_at,omitempty"`
	LastDeployedAt     string             `json:"last_deployed_at,omitempty"`
	DeploymentCount    int                `json:"deployment_count,omitempty"`
	ArchivedAt         string             `json:"archived_at,omitempty"`
}

// Clone 深拷贝元数据，避免调用方修改共享的 map
func (m *ModelMetadata) Clone() *ModelMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.PerformanceMetrics != nil {
		c.PerformanceMetrics = make(map[string]float64, len(m.PerformanceMetrics))
		for k, v := range m.PerformanceMetrics {
			c.PerformanceMetrics[k] = v
		}
	}
	if m.Config != nil {
		c.Config = make(map[string]any, len(m.Config))
		for k, v := range m.Config {
			c.Config[k] = v
		}
	}
	if m.Tags != nil {
		c.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// TrainedAt 解析 TrainingTimestamp（RFC3339），失败时返回零值
func (m *ModelMetadata) TrainedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.TrainingTimestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ModelStorage 是版本化模型存储的领域接口。
//
// 目录约定：<root>/models/<model_id>/v<version>/{model.<ext>, metadata.json}
//
// 实现：
//   - storage.LocalStorage：本地文件系统
//   - storage.ObjectStorage：对象存储（相同的相对路径，位于 bucket 前缀下）
//   - storage.Manager：主存储 + 备份存储
type ModelStorage interface {
	// Name 返回存储后端名称（用于日志/监控）
	Name() string

	// SaveModel 写入模型文件和元数据；会就地填充 meta.Checksum / meta.ModelSizeBytes
	SaveModel(ctx context.Context, blob []byte, meta *ModelMetadata) error

	// LoadModel 读取模型；version 为空时读取最新版本。校验和不一致返回 CORRUPT_MODEL
	LoadModel(ctx context.Context, modelID, version string) ([]byte, *ModelMetadata, error)

	// ListModels 只返回元数据，按 training_timestamp 倒序；modelID 为空时列出全部模型
	ListModels(ctx context.Context, modelID string) ([]*ModelMetadata, error)

	// ModelExists 判断模型（或指定版本）是否存在
	ModelExists(ctx context.Context, modelID, version string) (bool, error)

	// DeleteModel 删除指定版本；version 为空时删除该模型的全部版本
	DeleteModel(ctx context.Context, modelID, version string) error

	// UpdateMetadata 仅更新元数据（状态流转），不改变模型文件
	UpdateMetadata(ctx context.Context, meta *ModelMetadata) error
}
