package model

import (
	"math"
	"slices"
)

// NDCG 计算单组的归一化折损累计增益（线性增益，相关度取 yTrue）。
//
// 按 yPred 降序排列，分数相同时保持原始顺序。yTrue 含负值时整体平移到最小值为 0。
// yTrue 只有一个取值或理想 DCG 为 0 时返回 0。k <= 0 表示不截断。
func NDCG(yTrue, yPred []float64, k int) float64 {
	n := len(yTrue)
	if n == 0 || n != len(yPred) {
		return 0
	}
	lo, hi := slices.Min(yTrue), slices.Max(yTrue)
	if lo == hi {
		return 0
	}
	shift := 0.0
	if lo < 0 {
		shift = -lo
	}
	if k <= 0 || k > n {
		k = n
	}

	byPred := argsortDesc(yPred)
	ideal := slices.Clone(yTrue)
	slices.SortFunc(ideal, func(a, b float64) int { return compareDesc(a, b) })

	var dcg, idcg float64
	for i := range k {
		disc := 1 / math.Log2(float64(i)+2)
		dcg += (yTrue[byPred[i]] + shift) * disc
		idcg += (ideal[i] + shift) * disc
	}
	if idcg <= 0 {
		return 0
	}
	return dcg / idcg
}

// GroupNDCG 按分组计算 NDCG 的均值，只统计标签有区分度的组；groups 为空时视为一组
func GroupNDCG(yTrue, yPred []float64, groups []int) float64 {
	if len(groups) == 0 {
		return NDCG(yTrue, yPred, 0)
	}
	var (
		sum   float64
		count int
		start int
	)
	for _, size := range groups {
		end := start + size
		if end > len(yTrue) {
			break
		}
		if size > 1 {
			g := yTrue[start:end]
			if slices.Min(g) != slices.Max(g) {
				sum += NDCG(g, yPred[start:end], 0)
				count++
			}
		}
		start = end
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// argsortDesc 返回按值降序排列的下标，值相同保持原顺序
func argsortDesc(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return compareDesc(v[a], v[b]) })
	return idx
}

func compareDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}
