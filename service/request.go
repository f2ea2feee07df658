package service

import (
	"time"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
)

// DeploymentRiskRequest 单个部署的评分请求。
//
// 两种输入方式（可同时使用）：
//   - Deployment/Images/...：导出或扁平形态中的原始结构，经 FeatureExtractor 提取特征
//   - Features：直接给出具名特征，覆盖提取结果
//
// 模型需要但请求中没有的特征按 0.0 填充。
//
// 使用示例：
//
//	resp, err := svc.Predict(ctx, &service.DeploymentRiskRequest{
//	    DeploymentID: "dep-1",
//	    Deployment:   map[string]any{"id": "dep-1", "namespace": "payments"},
//	    Images:       images,
//	})
type DeploymentRiskRequest struct {
	DeploymentID       string             `json:"deployment_id"`
	Deployment         map[string]any     `json:"deployment,omitempty"`
	Images             []map[string]any   `json:"images,omitempty"`
	Vulnerabilities    []map[string]any   `json:"vulnerabilities,omitempty"`
	Alerts             []map[string]any   `json:"alerts,omitempty"`
	BaselineViolations []map[string]any   `json:"baseline_violations,omitempty"`
	Features           map[string]float64 `json:"features,omitempty"`
}

func (r *DeploymentRiskRequest) recordInput() feature.RecordInput {
	return feature.RecordInput{
		Deployment:         r.Deployment,
		Images:             r.Images,
		Vulnerabilities:    r.Vulnerabilities,
		Alerts:             r.Alerts,
		BaselineViolations: r.BaselineViolations,
	}
}

// FeatureImportance 单个特征的贡献
type FeatureImportance struct {
	FeatureName     string  `json:"feature_name"`
	ImportanceScore float64 `json:"importance_score"`
	FeatureCategory string  `json:"feature_category"`
}

// DeploymentRiskResponse 评分结果；FeatureImportances 按 |贡献| 从大到小排列
type DeploymentRiskResponse struct {
	DeploymentID       string              `json:"deployment_id"`
	RiskScore          float64             `json:"risk_score"`
	Confidence         float64             `json:"confidence"`
	FeatureImportances []FeatureImportance `json:"feature_importances"`
	ModelID            string              `json:"model_id"`
	ModelVersion       string              `json:"model_version"`
	Timestamp          int64               `json:"timestamp"`
	// Error 批量评分时单条请求的失败原因
	Error string `json:"error,omitempty"`
}

// ReloadRequest 热加载请求；ModelID 为空时使用默认模型，Version 为空时加载最新版本
type ReloadRequest struct {
	ModelID string `json:"model_id"`
	Version string `json:"version,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// ReloadResult 热加载结果
type ReloadResult struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	PreviousVersion string  `json:"previous_model_version"`
	NewVersion      string  `json:"new_model_version"`
	ElapsedMS       float64 `json:"reload_time_ms"`
}

// ModelInfo 当前加载的模型
type ModelInfo struct {
	ModelID          string             `json:"model_id"`
	Version          string             `json:"version"`
	ModelVersion     string             `json:"model_version"`
	Algorithm        string             `json:"algorithm"`
	SchemaVersion    string             `json:"schema_version"`
	FeatureNames     []string           `json:"feature_names"`
	Status           core.ModelStatus   `json:"status"`
	Metrics          map[string]float64 `json:"performance_metrics"`
	GlobalImportance map[string]float64 `json:"global_importance"`
	HasAttribution   bool               `json:"has_attribution"`
	LoadedAt         time.Time          `json:"loaded_at"`
}

// ModelSummary 存储中的模型版本概要
type ModelSummary struct {
	ModelID            string             `json:"model_id"`
	Version            string             `json:"version"`
	SemanticVersion    string             `json:"semantic_version,omitempty"`
	Algorithm          string             `json:"algorithm"`
	TrainingTimestamp  string             `json:"training_timestamp"`
	ModelSizeBytes     int64              `json:"model_size_bytes"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics"`
	Status             core.ModelStatus   `json:"status"`
	// Loaded 是否为当前加载的版本
	Loaded bool `json:"loaded"`
}
