package feature

import (
	"math"
	"time"
)

// FeatureExtractor 持有规范特征列表，把部署 + 镜像记录归一化为 FeatureVector，
// 并组装训练样本（特征 + 目标分 + 元数据）。
//
// 特征分三组：
//   - 部署级：策略违规分（饱和归一化）、宿主机命名空间布尔值、对外暴露、编排组件、
//     log1p 归一化的副本数/端口数、特权容器占比、部署年龄（年，最多 5）
//   - 镜像聚合：漏洞分 avg/max/sum、组件数分 avg、镜像年龄分 avg/max、高风险组件占比 avg/max
//   - 服务配置：可写卷数、secret 数、新增高风险 capability 数、未丢弃任何 capability
//
// 使用示例：
//
//	extractor := feature.NewFeatureExtractor()
//	sample, err := extractor.CreateTrainingSample(feature.ExtractInput{
//	    RecordInput: feature.RecordInput{Deployment: dep, Images: images},
//	})
type FeatureExtractor struct {
	schema   *Schema
	baseline *BaselineCalculator
	now      func() time.Time
}

// ExtractorOption 特征提取器配置选项
type ExtractorOption func(*FeatureExtractor)

// WithBaselineCalculator 设置目标分缺失时使用的基线计算器
func WithBaselineCalculator(c *BaselineCalculator) ExtractorOption {
	return func(e *FeatureExtractor) {
		if c != nil {
			e.baseline = c
		}
	}
}

// WithExtractorClock 设置计算部署/镜像年龄使用的时钟（同时作用于默认基线计算器）
func WithExtractorClock(now func() time.Time) ExtractorOption {
	return func(e *FeatureExtractor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewFeatureExtractor 创建特征提取器，特征顺序固定为 SchemaV1
func NewFeatureExtractor(opts ...ExtractorOption) *FeatureExtractor {
	e := &FeatureExtractor{schema: SchemaV1, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.baseline == nil {
		e.baseline = NewBaselineCalculator(WithClock(e.now))
	}
	return e
}

// Schema 返回提取器使用的特征 schema
func (e *FeatureExtractor) Schema() *Schema { return e.schema }

// FeatureNames 规范顺序的特征名
func (e *FeatureExtractor) FeatureNames() []string { return e.schema.Names() }

// Baseline 返回提取器使用的基线计算器
func (e *FeatureExtractor) Baseline() *BaselineCalculator { return e.baseline }

// ExtractInput 是 CreateTrainingSample 的输入
type ExtractInput struct {
	RecordInput

	// RiskScore 目标分；为 nil 时使用基线总分
	RiskScore *float64
	// HasUserAdjustment 目标分是否来自有效的用户调整
	HasUserAdjustment bool
	// ScoreSource 目标分来源（user_adjustment / risk_score / current_risk_score / deployment_risk_score / baseline）
	ScoreSource string
	// WorkloadCVSS 导出形态中的 workload_cvss，可为空
	WorkloadCVSS *float64
}

// Extract 从原始输入提取特征向量
func (e *FeatureExtractor) Extract(in RecordInput) (FeatureVector, error) {
	rec, err := ParseRecord(in)
	if err != nil {
		return FeatureVector{}, err
	}
	return e.ExtractParsed(rec), nil
}

// ExtractParsed 从已解析的记录提取特征向量
func (e *FeatureExtractor) ExtractParsed(rec *ParsedRecord) FeatureVector {
	m := make(map[string]float64, e.schema.Len())
	now := e.now()
	e.deploymentFeatures(m, rec, now)
	e.imageFeatures(m, rec.Images, now)
	e.serviceConfigFeatures(m, rec.Deployment)
	return FromMap(e.schema, m)
}

// CreateTrainingSample 提取特征并组装训练样本；RiskScore 为 nil 时计算基线总分作为目标
func (e *FeatureExtractor) CreateTrainingSample(in ExtractInput) (*TrainingSample, error) {
	rec, err := ParseRecord(in.RecordInput)
	if err != nil {
		return nil, err
	}

	sample := &TrainingSample{
		Features:          e.ExtractParsed(rec),
		DeploymentID:      rec.Deployment.ID,
		DeploymentName:    rec.Deployment.Name,
		Namespace:         rec.Deployment.Namespace,
		ClusterID:         rec.Deployment.ClusterID,
		HasUserAdjustment: in.HasUserAdjustment && in.RiskScore != nil,
		WorkloadMetadata:  workloadMetadata(rec),
	}

	source := in.ScoreSource
	if in.RiskScore != nil {
		sample.RiskScore = *in.RiskScore
		if source == "" {
			source = "provided"
		}
	} else {
		sample.Baseline = e.baseline.CalculateParsed(rec)
		sample.RiskScore = sample.Baseline.OverallScore
		source = "baseline"
	}
	sample.WorkloadMetadata["score_source"] = source
	if in.WorkloadCVSS != nil {
		sample.WorkloadMetadata["workload_cvss"] = *in.WorkloadCVSS
	}
	return sample, nil
}

func (e *FeatureExtractor) deploymentFeatures(m map[string]float64, rec *ParsedRecord, now time.Time) {
	d := rec.Deployment

	m[FeaturePolicyViolationScore] = policyViolationsMultiplier(rec.Alerts)
	m[FeatureHostNetwork] = boolFeature(d.HostNetwork)
	m[FeatureHostPID] = boolFeature(d.HostPID)
	m[FeatureHostIPC] = boolFeature(d.HostIPC)
	m[FeatureAutomountSAToken] = boolFeature(d.AutomountSAToken)
	m[FeatureIsOrchestratorComponent] = boolFeature(d.OrchestratorComponent || isOrchestratorNamespace(d.Namespace))

	external := false
	for _, p := range d.Ports {
		if p.IsExternal() {
			external = true
			break
		}
	}
	m[FeatureHasExternalExposure] = boolFeature(external)
	m[FeatureLogReplicaCount] = LogNormalize(float64(d.Replicas))
	m[FeatureLogExposedPortCount] = LogNormalize(float64(len(d.Ports)))

	privileged := 0
	for _, c := range d.Containers {
		if c.Privileged {
			privileged++
		}
	}
	m[FeaturePrivilegedRatio] = clamp(float64(privileged)/math.Max(float64(d.Replicas), 1), 0, 1)

	if !d.Created.IsZero() {
		days := now.Sub(d.Created).Hours() / 24
		m[FeatureAgeDays] = clamp(days/365, 0, 5)
	}
}

func (e *FeatureExtractor) imageFeatures(m map[string]float64, images []ImageInfo, now time.Time) {
	if len(images) == 0 {
		m[FeatureAvgVulnerabilityScore] = 0
		m[FeatureMaxVulnerabilityScore] = 0
		m[FeatureSumVulnerabilityScore] = 0
		m[FeatureAvgComponentCountScore] = 1.0
		m[FeatureAvgAgeScore] = 1.0
		m[FeatureMaxAgeScore] = 1.0
		m[FeatureAvgRiskyComponentRatio] = 0
		m[FeatureMaxRiskyComponentRatio] = 0
		return
	}

	n := float64(len(images))
	var (
		vulnSum, vulnMax   float64
		compSum            float64
		ageSum, ageMax     float64
		riskySum, riskyMax float64
	)
	for i, img := range images {
		vuln := math.Min(img.VulnerabilityScore()/100, 10)
		comp := Normalize(float64(img.ComponentCount), componentSaturation, componentMaxValue)
		age := 1.0
		if days := img.AgeAt(now); days > 0 {
			age = Normalize(math.Min(days/365, 2), 1.0, imageAgeMaxValue)
		}
		risky := float64(img.RiskyComponentCount) / math.Max(float64(img.ComponentCount), 1)

		vulnSum += vuln
		compSum += comp
		ageSum += age
		riskySum += risky
		if i == 0 || vuln > vulnMax {
			vulnMax = vuln
		}
		if i == 0 || age > ageMax {
			ageMax = age
		}
		if i == 0 || risky > riskyMax {
			riskyMax = risky
		}
	}

	m[FeatureAvgVulnerabilityScore] = vulnSum / n
	m[FeatureMaxVulnerabilityScore] = vulnMax
	m[FeatureSumVulnerabilityScore] = vulnSum
	m[FeatureAvgComponentCountScore] = compSum / n
	m[FeatureAvgAgeScore] = ageSum / n
	m[FeatureMaxAgeScore] = ageMax
	m[FeatureAvgRiskyComponentRatio] = riskySum / n
	m[FeatureMaxRiskyComponentRatio] = riskyMax
}

func (e *FeatureExtractor) serviceConfigFeatures(m map[string]float64, d *DeploymentInfo) {
	sc := ServiceConfigOf(d)
	m[FeatureRWVolumeCount] = float64(sc.RWVolumeCount)
	m[FeatureSecretCount] = float64(sc.SecretCount)
	m[FeatureRiskyCapabilitiesAdded] = float64(sc.RiskyCapabilitiesAdded)
	m[FeatureNoCapabilitiesDropped] = boolFeature(sc.NoCapabilitiesDropped)
}

func workloadMetadata(rec *ParsedRecord) map[string]any {
	source := ""
	for _, img := range rec.Images {
		s := "list"
		if img.ComponentsFromSummary {
			s = "summary"
		}
		switch {
		case source == "":
			source = s
		case source != s:
			source = "mixed"
		}
	}
	meta := map[string]any{
		"deployment_name":          rec.Deployment.Name,
		"image_count":              len(rec.Images),
		"container_count":          len(rec.Deployment.Containers),
		"policy_violation_count":   len(rec.Alerts),
		"baseline_violation_count": rec.BaselineViolationCount,
		"permission_level":         rec.Deployment.PermissionLevel,
	}
	if source != "" {
		meta["component_source"] = source
	}
	return meta
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
