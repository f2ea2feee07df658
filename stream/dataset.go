package stream

import (
	"fmt"
	"slices"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
)

// unknownCluster 没有 cluster id 的样本归入的分组
const unknownCluster = "unknown"

// RankingDataset 排序训练数据集。样本按 cluster id 升序分组，同一分组内保持原始顺序，
// Groups[i] 是第 i 个分组的样本数，Σ Groups = len(Y)。
type RankingDataset struct {
	X             [][]float64
	Y             []float64
	Groups        []int
	FeatureNames  []string
	ClusterIDs    []string
	SchemaVersion string
}

// Len 样本数
func (d *RankingDataset) Len() int { return len(d.Y) }

// CreateRankingDataset 把样本组装为排序数据集；样本为空返回 INVALID_INPUT，特征 schema 不一致返回 SHAPE_MISMATCH
func CreateRankingDataset(samples []*feature.TrainingSample) (*RankingDataset, error) {
	if len(samples) == 0 {
		return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeInvalidInput, "no training samples")
	}
	schema := samples[0].Features.Schema()
	if schema == nil {
		return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch, "sample 0 has no feature schema")
	}
	names := schema.Names()

	byCluster := make(map[string][]*feature.TrainingSample)
	for i, s := range samples {
		if sc := s.Features.Schema(); sc == nil || sc.Version != schema.Version || !sc.Equal(names) {
			return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("sample %d feature schema differs from sample 0", i))
		}
		cluster := s.ClusterID
		if cluster == "" {
			cluster = unknownCluster
		}
		byCluster[cluster] = append(byCluster[cluster], s)
	}

	clusters := make([]string, 0, len(byCluster))
	for c := range byCluster {
		clusters = append(clusters, c)
	}
	slices.Sort(clusters)

	d := &RankingDataset{
		X:             make([][]float64, 0, len(samples)),
		Y:             make([]float64, 0, len(samples)),
		Groups:        make([]int, 0, len(clusters)),
		FeatureNames:  names,
		ClusterIDs:    clusters,
		SchemaVersion: schema.Version,
	}
	for _, c := range clusters {
		group := byCluster[c]
		for _, s := range group {
			d.X = append(d.X, s.Features.Values())
			d.Y = append(d.Y, s.RiskScore)
		}
		d.Groups = append(d.Groups, len(group))
	}
	return d, nil
}
