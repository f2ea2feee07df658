package feature

import (
	"fmt"
	"slices"
)

// SchemaVersion 当前特征 schema 版本。
// 特征名集合和顺序在同一版本内冻结，增删或调整顺序必须升级版本，不同版本的模型互不兼容。
const SchemaVersion = "v1"

// 部署级特征
const (
	FeaturePolicyViolationScore    = "policy_violation_score"
	FeatureHostNetwork             = "host_network"
	FeatureHostPID                 = "host_pid"
	FeatureHostIPC                 = "host_ipc"
	FeatureHasExternalExposure     = "has_external_exposure"
	FeatureIsOrchestratorComponent = "is_orchestrator_component"
	FeatureAutomountSAToken        = "automount_service_account_token"
	FeatureLogReplicaCount         = "log_replica_count"
	FeatureLogExposedPortCount     = "log_exposed_port_count"
	FeaturePrivilegedRatio         = "privileged_container_ratio"
	FeatureAgeDays                 = "age_days"
)

// 镜像聚合特征
const (
	FeatureAvgVulnerabilityScore  = "avg_vulnerability_score"
	FeatureMaxVulnerabilityScore  = "max_vulnerability_score"
	FeatureSumVulnerabilityScore  = "sum_vulnerability_score"
	FeatureAvgComponentCountScore = "avg_component_count_score"
	FeatureAvgAgeScore            = "avg_age_score"
	FeatureMaxAgeScore            = "max_age_score"
	FeatureAvgRiskyComponentRatio = "avg_risky_component_ratio"
	FeatureMaxRiskyComponentRatio = "max_risky_component_ratio"
)

// 服务配置特征
const (
	FeatureRWVolumeCount          = "rw_volume_count"
	FeatureSecretCount            = "secret_count"
	FeatureRiskyCapabilitiesAdded = "risky_capabilities_added_count"
	FeatureNoCapabilitiesDropped  = "no_capabilities_dropped"
)

// Schema 是冻结的特征名列表及其版本标识。训练和预测都必须从同一个 Schema 推导特征顺序。
type Schema struct {
	Version string
	names   []string
	index   map[string]int
}

// NewSchema 创建 schema，names 中不允许重复
func NewSchema(version string, names []string) (*Schema, error) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		if _, dup := index[n]; dup {
			return nil, fmt.Errorf("duplicate feature name %q", n)
		}
		index[n] = i
	}
	return &Schema{Version: version, names: slices.Clone(names), index: index}, nil
}

// MustSchema 与 NewSchema 相同，出错时 panic（用于包级变量）
func MustSchema(version string, names []string) *Schema {
	s, err := NewSchema(version, names)
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaV1 是当前版本的规范特征顺序
var SchemaV1 = MustSchema(SchemaVersion, []string{
	FeaturePolicyViolationScore,
	FeatureHostNetwork,
	FeatureHostPID,
	FeatureHostIPC,
	FeatureHasExternalExposure,
	FeatureIsOrchestratorComponent,
	FeatureAutomountSAToken,
	FeatureLogReplicaCount,
	FeatureLogExposedPortCount,
	FeaturePrivilegedRatio,
	FeatureAgeDays,

	FeatureAvgVulnerabilityScore,
	FeatureMaxVulnerabilityScore,
	FeatureSumVulnerabilityScore,
	FeatureAvgComponentCountScore,
	FeatureAvgAgeScore,
	FeatureMaxAgeScore,
	FeatureAvgRiskyComponentRatio,
	FeatureMaxRiskyComponentRatio,

	FeatureRWVolumeCount,
	FeatureSecretCount,
	FeatureRiskyCapabilitiesAdded,
	FeatureNoCapabilitiesDropped,
})

// Names 返回特征名副本（规范顺序）
func (s *Schema) Names() []string { return slices.Clone(s.names) }

// Len 特征数量
func (s *Schema) Len() int { return len(s.names) }

// Index 返回特征在规范顺序中的下标
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Equal 判断两个 schema 的特征名和顺序是否完全一致
func (s *Schema) Equal(names []string) bool {
	return slices.Equal(s.names, names)
}

// FeatureVector 是不可变的具名浮点特征，按 schema 的规范顺序存储。
type FeatureVector struct {
	schema *Schema
	values []float64
}

// NewFeatureVector 按 schema 构建特征向量，values 长度必须与 schema 一致
func NewFeatureVector(schema *Schema, values []float64) (FeatureVector, error) {
	if len(values) != schema.Len() {
		return FeatureVector{}, fmt.Errorf("feature vector has %d values, schema %s expects %d",
			len(values), schema.Version, schema.Len())
	}
	return FeatureVector{schema: schema, values: slices.Clone(values)}, nil
}

// FromMap 按 schema 从 map 构建特征向量，缺失的特征填 0.0，schema 之外的 key 被忽略
func FromMap(schema *Schema, m map[string]float64) FeatureVector {
	values := make([]float64, schema.Len())
	for i, name := range schema.names {
		values[i] = m[name]
	}
	return FeatureVector{schema: schema, values: values}
}

// Schema 返回特征向量所属的 schema
func (v FeatureVector) Schema() *Schema { return v.schema }

// Len 特征数量
func (v FeatureVector) Len() int { return len(v.values) }

// Names 特征名（规范顺序）
func (v FeatureVector) Names() []string {
	if v.schema == nil {
		return nil
	}
	return v.schema.Names()
}

// Values 特征值副本（规范顺序）
func (v FeatureVector) Values() []float64 { return slices.Clone(v.values) }

// Get 按名称取特征值
func (v FeatureVector) Get(name string) (float64, bool) {
	if v.schema == nil {
		return 0, false
	}
	i, ok := v.schema.Index(name)
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Map 转为 map 表示
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for i, name := range v.schema.names {
		out[name] = v.values[i]
	}
	return out
}

// 特征分组
const (
	CategoryDeployment    = "deployment"
	CategoryImage         = "image"
	CategoryServiceConfig = "service_config"
	CategoryOther         = "other"
)

var categories = map[string]string{
	FeaturePolicyViolationScore:    CategoryDeployment,
	FeatureHostNetwork:             CategoryDeployment,
	FeatureHostPID:                 CategoryDeployment,
	FeatureHostIPC:                 CategoryDeployment,
	FeatureHasExternalExposure:     CategoryDeployment,
	FeatureIsOrchestratorComponent: CategoryDeployment,
	FeatureAutomountSAToken:        CategoryDeployment,
	FeatureLogReplicaCount:         CategoryDeployment,
	FeatureLogExposedPortCount:     CategoryDeployment,
	FeaturePrivilegedRatio:         CategoryDeployment,
	FeatureAgeDays:                 CategoryDeployment,

	FeatureAvgVulnerabilityScore:  CategoryImage,
	FeatureMaxVulnerabilityScore:  CategoryImage,
	FeatureSumVulnerabilityScore:  CategoryImage,
	FeatureAvgComponentCountScore: CategoryImage,
	FeatureAvgAgeScore:            CategoryImage,
	FeatureMaxAgeScore:            CategoryImage,
	FeatureAvgRiskyComponentRatio: CategoryImage,
	FeatureMaxRiskyComponentRatio: CategoryImage,

	FeatureRWVolumeCount:          CategoryServiceConfig,
	FeatureSecretCount:            CategoryServiceConfig,
	FeatureRiskyCapabilitiesAdded: CategoryServiceConfig,
	FeatureNoCapabilitiesDropped:  CategoryServiceConfig,
}

// Category 返回特征所属分组，未知特征为 other
func Category(name string) string {
	if c, ok := categories[name]; ok {
		return c
	}
	return CategoryOther
}
