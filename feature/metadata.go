package feature

import (
	"fmt"
	"math"
	"time"
)

// FeatureMetadata 特征元数据，随模型一起持久化，记录训练时的特征列顺序和 schema 版本。
type FeatureMetadata struct {
	// FeatureColumns 特征列名列表（按顺序）
	FeatureColumns []string `json:"feature_columns"`
	// FeatureCount 特征数量
	FeatureCount int `json:"feature_count"`
	// SchemaVersion 特征 schema 版本
	SchemaVersion string `json:"schema_version"`
	// LabelColumn 标签列名
	LabelColumn string `json:"label_column"`
	// ModelVersion 模型版本
	ModelVersion string `json:"model_version"`
	// Normalized 是否使用了特征标准化
	Normalized bool `json:"normalized"`
	// CreatedAt 创建时间
	CreatedAt string `json:"created_at"`
}

// NewFeatureMetadata 从 schema 和特征列创建元数据
func NewFeatureMetadata(schemaVersion string, columns []string, modelVersion string) *FeatureMetadata {
	return &FeatureMetadata{
		FeatureColumns: append([]string(nil), columns...),
		FeatureCount:   len(columns),
		SchemaVersion:  schemaVersion,
		LabelColumn:    "risk_score",
		ModelVersion:   modelVersion,
		Normalized:     true,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}

// Schema 按元数据中的特征列重建 schema
func (m *FeatureMetadata) Schema() (*Schema, error) {
	if len(m.FeatureColumns) != m.FeatureCount {
		return nil, fmt.Errorf("feature metadata lists %d columns but feature_count is %d",
			len(m.FeatureColumns), m.FeatureCount)
	}
	return NewSchema(m.SchemaVersion, m.FeatureColumns)
}

// GetMissingFeatures 返回缺失的特征列
func (m *FeatureMetadata) GetMissingFeatures(features map[string]float64) []string {
	var missing []string
	for _, col := range m.FeatureColumns {
		if _, ok := features[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

// BuildFeatureVector 按 feature_columns 顺序构建特征向量，缺失值填充为 0.0
func (m *FeatureMetadata) BuildFeatureVector(features map[string]float64) []float64 {
	vector := make([]float64, len(m.FeatureColumns))
	for i, col := range m.FeatureColumns {
		vector[i] = features[col]
	}
	return vector
}

// FeatureScaler 特征标准化器，每个特征对应一个 ScalerParams（均值、标准差）
type FeatureScaler map[string]ScalerParams

// ScalerParams 标准化参数
type ScalerParams struct {
	// Mean 均值
	Mean float64 `json:"mean"`
	// Std 标准差
	Std float64 `json:"std"`
}

// FitScaler 在训练矩阵上拟合 Z-score 标准化器（零均值、单位方差）。
// 标准差为 0 的列记为 1，避免除零。
func FitScaler(X [][]float64, names []string) FeatureScaler {
	scaler := make(FeatureScaler, len(names))
	if len(X) == 0 {
		for _, name := range names {
			scaler[name] = ScalerParams{Mean: 0, Std: 1}
		}
		return scaler
	}
	col := make([]float64, len(X))
	for j, name := range names {
		for i, row := range X {
			col[i] = row[j]
		}
		stats := ComputeStatistics(col)
		std := stats.Std
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		scaler[name] = ScalerParams{Mean: stats.Mean, Std: std}
	}
	return scaler
}

// NormalizeValue 对单个特征值进行标准化，特征不在 scaler 中或 std <= 0 时返回原值
func (s FeatureScaler) NormalizeValue(featureName string, value float64) float64 {
	if params, ok := s[featureName]; ok && params.Std > 0 {
		return (value - params.Mean) / params.Std
	}
	return value
}

// TransformRow 按 names 的顺序标准化一行，返回新切片
func (s FeatureScaler) TransformRow(row []float64, names []string) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = s.NormalizeValue(names[j], v)
	}
	return out
}

// Transform 标准化整个矩阵，返回新矩阵
func (s FeatureScaler) Transform(X [][]float64, names []string) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.TransformRow(row, names)
	}
	return out
}
