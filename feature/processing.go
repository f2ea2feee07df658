package feature

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Normalize 是风险评分唯一的饱和归一化函数：
//
//	score > saturation 时返回 maxValue，否则返回 1 + (score/saturation)*(maxValue-1)
//
// 结果落在 [1, maxValue] 区间，基线计算和特征提取共用此函数。
func Normalize(score, saturation, maxValue float64) float64 {
	if score > saturation {
		return maxValue
	}
	return 1 + (score/saturation)*(maxValue-1)
}

// LogNormalize 计数类特征的对数归一化：log1p(x) / log1p(100)
func LogNormalize(count float64) float64 {
	if count < 0 {
		count = 0
	}
	return math.Log1p(count) / math.Log1p(100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FeatureStatistics 单个特征（或目标值）的统计信息
type FeatureStatistics struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
	P95    float64 `json:"p95"`
}

// ComputeStatistics 计算统计信息（总体标准差，分位数取经验分布）
func ComputeStatistics(values []float64) *FeatureStatistics {
	if len(values) == 0 {
		return &FeatureStatistics{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	mean, std := stat.PopMeanStdDev(sorted, nil)
	quantile := func(p float64) float64 {
		return stat.Quantile(p, stat.Empirical, sorted, nil)
	}
	return &FeatureStatistics{
		Count:  len(sorted),
		Mean:   mean,
		Std:    std,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: quantile(0.5),
		P25:    quantile(0.25),
		P75:    quantile(0.75),
		P95:    quantile(0.95),
	}
}
