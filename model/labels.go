package model

import (
	"math"
	"slices"
)

// tieEpsilon 打散相同目标分时使用的最大扰动幅度
const tieEpsilon = 1e-6

// RankLabels 把浮点目标分映射为 0..k-1 的整数名次（按唯一值升序）
func RankLabels(y []float64) []float64 {
	uniq := slices.Clone(y)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	out := make([]float64, len(y))
	for i, v := range y {
		r, _ := slices.BinarySearch(uniq, v)
		out[i] = float64(r)
	}
	return out
}

// JitterTies 对完全相同的目标分施加确定性的 ±ε 扰动，使其两两不同且不改变与其他取值的相对顺序。
//
// 同值的第 i 个（按出现顺序，共 c 个）偏移 ε·(i − (c−1)/2)，ε 不超过相邻唯一值最小间距的 1/(2c)。
func JitterTies(y []float64) []float64 {
	out := slices.Clone(y)
	if len(y) < 2 {
		return out
	}
	positions := make(map[float64][]int)
	for i, v := range y {
		positions[v] = append(positions[v], i)
	}
	maxTie := 1
	for _, p := range positions {
		maxTie = max(maxTie, len(p))
	}
	if maxTie == 1 {
		return out
	}

	uniq := slices.Clone(y)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	eps := tieEpsilon
	for i := 1; i < len(uniq); i++ {
		if gap := uniq[i] - uniq[i-1]; gap > 0 {
			eps = math.Min(eps, gap/float64(2*maxTie))
		}
	}
	for _, p := range positions {
		c := len(p)
		if c < 2 {
			continue
		}
		for i, row := range p {
			out[row] += eps * (float64(i) - float64(c-1)/2)
		}
	}
	return out
}
