package model

import (
	"math"
	"math/rand/v2"
	"slices"
)

// split 一次训练/验证划分：行下标（保持原始顺序）和各自的分组大小
type split struct {
	trainRows   []int
	valRows     []int
	trainGroups []int
	valGroups   []int
	byGroup     bool
}

// splitByGroups 按整组划分验证集，任何一组都不会被拆开；两侧至少各有一组。
// 组数不足 2 时退化为 splitBySample。
func splitByGroups(n int, groups []int, fraction float64, rng *rand.Rand) split {
	if len(groups) < 2 {
		return splitBySample(n, fraction, rng)
	}
	g := len(groups)
	nVal := int(math.Round(fraction * float64(g)))
	nVal = min(max(nVal, 1), g-1)

	perm := rng.Perm(g)
	val := make(map[int]bool, nVal)
	for _, gi := range perm[:nVal] {
		val[gi] = true
	}

	s := split{byGroup: true}
	start := 0
	for gi, size := range groups {
		for r := start; r < start+size; r++ {
			if val[gi] {
				s.valRows = append(s.valRows, r)
			} else {
				s.trainRows = append(s.trainRows, r)
			}
		}
		if val[gi] {
			s.valGroups = append(s.valGroups, size)
		} else {
			s.trainGroups = append(s.trainGroups, size)
		}
		start += size
	}
	return s
}

// splitBySample 逐样本随机划分，两侧各记为一个合成分组；n < 2 时全部用于训练
func splitBySample(n int, fraction float64, rng *rand.Rand) split {
	if n < 2 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return split{trainRows: rows, trainGroups: []int{n}}
	}
	nVal := int(math.Round(fraction * float64(n)))
	nVal = min(max(nVal, 1), n-1)

	perm := rng.Perm(n)
	valRows := slices.Clone(perm[:nVal])
	trainRows := slices.Clone(perm[nVal:])
	slices.Sort(valRows)
	slices.Sort(trainRows)
	return split{
		trainRows:   trainRows,
		valRows:     valRows,
		trainGroups: []int{len(trainRows)},
		valGroups:   []int{len(valRows)},
	}
}

func selectRows(X [][]float64, rows []int) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = X[r]
	}
	return out
}

func selectValues(y []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = y[r]
	}
	return out
}
