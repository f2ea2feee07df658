package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rushteam/riskrank/core"
)

// Thresholds 晋升到 production 时要求的最低指标值，指标缺失视为不满足
type Thresholds map[string]float64

// DefaultProductionThresholds 默认上线门槛
var DefaultProductionThresholds = Thresholds{"val_ndcg": 0.7}

// transitions 允许的状态流转
var transitions = map[core.ModelStatus][]core.ModelStatus{
	core.StatusDraft:      {core.StatusStaging, core.StatusProduction, core.StatusArchived},
	core.StatusStaging:    {core.StatusProduction, core.StatusDraft, core.StatusArchived},
	core.StatusProduction: {core.StatusDeprecated},
	core.StatusDeprecated: {core.StatusProduction, core.StatusArchived},
	core.StatusArchived:   {},
}

// CanTransition 判断状态流转是否允许；相同状态视为允许（幂等）
func CanTransition(from, to core.ModelStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[cmp.Or(from, core.StatusDraft)], to)
}

// CheckThresholds 返回不满足门槛的问题列表，空表示通过
func CheckThresholds(meta *core.ModelMetadata, thresholds Thresholds) []string {
	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	slices.Sort(names)

	var issues []string
	for _, name := range names {
		v, ok := meta.PerformanceMetrics[name]
		switch {
		case !ok:
			issues = append(issues, "missing required metric: "+name)
		case v < thresholds[name]:
			issues = append(issues, fmt.Sprintf("%s %.4f below threshold %.4f", name, v, thresholds[name]))
		}
	}
	return issues
}

// Promote 修改模型版本状态。
//
// 晋升到 production 时检查 thresholds，并记录首次/最近上线时间和上线次数；
// 归档时记录 archived_at。返回更新后的元数据。
func Promote(ctx context.Context, s core.ModelStorage, modelID, version string, status core.ModelStatus, thresholds Thresholds, now time.Time) (*core.ModelMetadata, error) {
	if !status.Valid() {
		return nil, invalidInput("invalid status " + strconv.Quote(string(status)))
	}
	meta, err := FindVersion(ctx, s, modelID, version)
	if err != nil {
		return nil, err
	}
	if !CanTransition(meta.Status, status) {
		return nil, invalidInput(fmt.Sprintf("transition %s -> %s not allowed for %s/%s", meta.Status, status, modelID, version))
	}
	if status == core.StatusProduction {
		if issues := CheckThresholds(meta, thresholds); len(issues) > 0 {
			return nil, invalidInput(modelID + "/" + version + " not production ready: " + strings.Join(issues, "; "))
		}
	}

	ts := now.UTC().Format(time.RFC3339Nano)
	meta.Status = status
	switch status {
	case core.StatusProduction:
		if meta.FirstDeployedAt == "" {
			meta.FirstDeployedAt = ts
		}
		meta.LastDeployedAt = ts
		meta.DeploymentCount++
	case core.StatusArchived:
		meta.ArchivedAt = ts
	}
	if err := s.UpdateMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// FindVersion 只读取元数据（不读取模型文件）；version 为空时返回最新版本
func FindVersion(ctx context.Context, s core.ModelStorage, modelID, version string) (*core.ModelMetadata, error) {
	metas, err := s.ListModels(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if version == "" {
		versions := make([]string, len(metas))
		for i, m := range metas {
			versions[i] = m.Version
		}
		version = LatestVersion(versions)
	}
	for _, m := range metas {
		if m.Version == version {
			return m, nil
		}
	}
	return nil, notFound("model " + modelID + " version " + version + " not found")
}

// SemanticFromVersion 由版本号推导语义化版本："3" → "3.0.0"，"1.2" → "1.2.0"，非数字版本返回空
func SemanticFromVersion(version string) string {
	parts, ok := parseDotted(strings.TrimPrefix(version, "v"))
	if !ok {
		return ""
	}
	for len(parts) < 3 {
		parts = append(parts, 0)
	}
	return formatSemantic(parts[:3])
}

// NextSemanticVersion 父版本补丁号加一；父版本为空或无法解析时返回 1.0.0
func NextSemanticVersion(parent string) string {
	parts, ok := parseDotted(parent)
	if !ok || len(parts) != 3 {
		return "1.0.0"
	}
	parts[2]++
	return formatSemantic(parts)
}

// LatestSemanticVersion 模型所有版本中最大的语义化版本，没有时返回空
func LatestSemanticVersion(ctx context.Context, s core.ModelStorage, modelID string) (string, error) {
	metas, err := s.ListModels(ctx, modelID)
	if err != nil {
		return "", err
	}
	var latest []int
	for _, m := range metas {
		parts, ok := parseDotted(m.SemanticVersion)
		if !ok || len(parts) != 3 {
			continue
		}
		if latest == nil || slices.Compare(parts, latest) > 0 {
			latest = parts
		}
	}
	if latest == nil {
		return "", nil
	}
	return formatSemantic(latest), nil
}

func formatSemantic(parts []int) string {
	return fmt.Sprintf("%d.%d.%d", parts[0], parts[1], parts[2])
}

// VersionComparison 两个版本的指标对比，Diff = v2 - v1（只包含两边都有的指标）
type VersionComparison struct {
	ModelID string              `json:"model_id"`
	V1      *core.ModelMetadata `json:"version1"`
	V2      *core.ModelMetadata `json:"version2"`
	Diff    map[string]float64  `json:"performance_diff"`
}

// CompareVersions 对比同一模型的两个版本
func CompareVersions(ctx context.Context, s core.ModelStorage, modelID, v1, v2 string) (*VersionComparison, error) {
	m1, err := FindVersion(ctx, s, modelID, v1)
	if err != nil {
		return nil, err
	}
	m2, err := FindVersion(ctx, s, modelID, v2)
	if err != nil {
		return nil, err
	}
	diff := make(map[string]float64)
	for name, a := range m1.PerformanceMetrics {
		if b, ok := m2.PerformanceMetrics[name]; ok {
			diff[name] = b - a
		}
	}
	return &VersionComparison{ModelID: modelID, V1: m1, V2: m2, Diff: diff}, nil
}

// ArchiveOldVersions 按创建时间保留最新 keep 个版本，其余归档；production 版本和已归档版本不动。返回归档数量
func ArchiveOldVersions(ctx context.Context, s core.ModelStorage, modelID string, keep int, now time.Time) (int, error) {
	if keep < 0 {
		return 0, invalidInput("keep must be >= 0")
	}
	metas, err := s.ListModels(ctx, modelID)
	if err != nil {
		return 0, err
	}
	if len(metas) <= keep {
		return 0, nil
	}
	slices.SortStableFunc(metas, func(a, b *core.ModelMetadata) int {
		return cmp.Compare(cmp.Or(b.CreatedAt, b.TrainingTimestamp), cmp.Or(a.CreatedAt, a.TrainingTimestamp))
	})

	ts := now.UTC().Format(time.RFC3339Nano)
	archived := 0
	for _, m := range metas[keep:] {
		if m.Status == core.StatusProduction || m.Status == core.StatusArchived {
			continue
		}
		m.Status = core.StatusArchived
		m.ArchivedAt = ts
		if err := s.UpdateMetadata(ctx, m); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// Lineage 沿 parent_version 回溯版本链，第一个元素为 version 本身；遇到缺失的父版本或环即停止
func Lineage(ctx context.Context, s core.ModelStorage, modelID, version string) ([]*core.ModelMetadata, error) {
	metas, err := s.ListModels(ctx, modelID)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]*core.ModelMetadata, len(metas))
	for _, m := range metas {
		byVersion[m.Version] = m
	}
	if _, ok := byVersion[version]; !ok {
		return nil, notFound("model " + modelID + " version " + version + " not found")
	}

	var chain []*core.ModelMetadata
	seen := make(map[string]bool)
	for v := version; v != "" && !seen[v]; {
		m, ok := byVersion[v]
		if !ok {
			break
		}
		seen[v] = true
		chain = append(chain, m)
		v = m.ParentVersion
	}
	return chain, nil
}

// ByStatus 过滤出指定状态的模型版本；modelID 为空时查全部模型
func ByStatus(ctx context.Context, s core.ModelStorage, modelID string, status core.ModelStatus) ([]*core.ModelMetadata, error) {
	metas, err := s.ListModels(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(metas, func(m *core.ModelMetadata) bool { return m.Status != status }), nil
}

// StorageStats 存储概览
type StorageStats struct {
	Backend        string                   `json:"backend"`
	BackupEnabled  bool                     `json:"backup_enabled"`
	TotalModels    int                      `json:"total_models"`
	TotalVersions  int                      `json:"total_versions"`
	TotalSizeBytes int64                    `json:"total_size_bytes"`
	ByStatus       map[core.ModelStatus]int `json:"by_status"`
	Latest         *core.ModelMetadata      `json:"latest_model,omitempty"`
}

// Stats 汇总全部模型版本
func Stats(ctx context.Context, s core.ModelStorage) (*StorageStats, error) {
	metas, err := s.ListModels(ctx, "")
	if err != nil {
		return nil, err
	}
	st := &StorageStats{Backend: s.Name(), ByStatus: make(map[core.ModelStatus]int)}
	if m, ok := s.(*Manager); ok {
		st.BackupEnabled = m.Backup() != nil
	}
	ids := make(map[string]struct{})
	for _, m := range metas {
		ids[m.ModelID] = struct{}{}
		st.TotalSizeBytes += m.ModelSizeBytes
		st.ByStatus[m.Status]++
	}
	st.TotalModels = len(ids)
	st.TotalVersions = len(metas)
	if len(metas) > 0 {
		st.Latest = metas[0]
	}
	return st, nil
}
