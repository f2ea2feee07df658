package feature

import (
	"encoding/json"
	"fmt"

	"github.com/rushteam/riskrank/pkg/conv"
)

// RecordInput 是特征提取和基线计算的原始输入（已从导出/扁平形态中拆出）。
type RecordInput struct {
	Deployment         map[string]any
	Images             []map[string]any
	Vulnerabilities    []map[string]any
	Alerts             []map[string]any
	BaselineViolations []map[string]any
}

// ParsedRecord 解析后的部署记录，供基线计算和特征提取共用，避免重复解析
type ParsedRecord struct {
	Deployment             *DeploymentInfo
	Images                 []ImageInfo
	Alerts                 []AlertInfo
	BaselineViolationCount int
}

// ParseRecord 解析原始输入，缺少 deployment 时返回 INVALID_RECORD
func ParseRecord(in RecordInput) (*ParsedRecord, error) {
	dep, err := ParseDeployment(in.Deployment)
	if err != nil {
		return nil, err
	}
	return &ParsedRecord{
		Deployment:             dep,
		Images:                 ParseImages(in.Images, in.Vulnerabilities),
		Alerts:                 ParseAlerts(in.Alerts),
		BaselineViolationCount: len(in.BaselineViolations),
	}, nil
}

// TrainingSample 单条训练样本：特征 + 目标风险分 + 元数据
type TrainingSample struct {
	Features          FeatureVector
	RiskScore         float64
	DeploymentID      string
	DeploymentName    string
	Namespace         string
	ClusterID         string
	HasUserAdjustment bool
	Baseline          *BaselineRiskFactors
	WorkloadMetadata  map[string]any
}

type trainingSampleJSON struct {
	Features          map[string]float64   `json:"features"`
	SchemaVersion     string               `json:"schema_version,omitempty"`
	RiskScore         float64              `json:"risk_score"`
	DeploymentID      string               `json:"deployment_id,omitempty"`
	DeploymentName    string               `json:"deployment_name,omitempty"`
	Namespace         string               `json:"namespace,omitempty"`
	ClusterID         string               `json:"cluster_id,omitempty"`
	HasUserAdjustment bool                 `json:"has_user_adjustment"`
	Baseline          *BaselineRiskFactors `json:"baseline_factors,omitempty"`
	WorkloadMetadata  map[string]any       `json:"workload_metadata,omitempty"`
}

// MarshalJSON 以 processed-samples 文件格式序列化样本
func (s *TrainingSample) MarshalJSON() ([]byte, error) {
	out := trainingSampleJSON{
		Features:          s.Features.Map(),
		RiskScore:         s.RiskScore,
		DeploymentID:      s.DeploymentID,
		DeploymentName:    s.DeploymentName,
		Namespace:         s.Namespace,
		ClusterID:         s.ClusterID,
		HasUserAdjustment: s.HasUserAdjustment,
		Baseline:          s.Baseline,
		WorkloadMetadata:  s.WorkloadMetadata,
	}
	if sc := s.Features.Schema(); sc != nil {
		out.SchemaVersion = sc.Version
	}
	return json.Marshal(out)
}

// SampleFromProcessed 从 processed-samples 记录（{features, risk_score, ...}）构建样本，
// 特征按 schema 规范顺序排列，缺失的特征填 0.0。
func SampleFromProcessed(schema *Schema, rec map[string]any) (*TrainingSample, error) {
	features := conv.Map(rec, "features")
	if features == nil {
		return nil, fmt.Errorf("processed sample has no features")
	}
	v, ok := conv.Lookup(rec, "risk_score")
	if !ok {
		return nil, fmt.Errorf("processed sample has no risk_score")
	}
	score, ok := conv.ToFloat64(v)
	if !ok {
		return nil, fmt.Errorf("processed sample has invalid risk_score %v", v)
	}
	values := conv.MapToFloat64(features)
	missing := 0
	for _, name := range schema.names {
		if _, ok := values[name]; !ok {
			missing++
		}
	}
	s := &TrainingSample{
		Features:          FromMap(schema, values),
		RiskScore:         score,
		DeploymentID:      conv.String(rec, "deployment_id"),
		DeploymentName:    conv.String(rec, "deployment_name"),
		Namespace:         conv.String(rec, "namespace"),
		ClusterID:         conv.String(rec, "cluster_id"),
		HasUserAdjustment: conv.Bool(rec, "has_user_adjustment"),
		WorkloadMetadata:  conv.Map(rec, "workload_metadata"),
	}
	if s.WorkloadMetadata == nil {
		s.WorkloadMetadata = map[string]any{}
	}
	s.WorkloadMetadata["source"] = "processed"
	s.WorkloadMetadata["missing_features"] = missing
	return s, nil
}
