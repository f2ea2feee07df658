package model

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ImportanceSource 特征重要性的来源
const (
	ImportanceNative      = "native"
	ImportanceCorrelation = "correlation"
	ImportanceEqual       = "equal"
)

// normalizeL1 按绝对值之和归一化，和不超过 eps 时返回 false
func normalizeL1(v []float64, eps float64) ([]float64, bool) {
	total := 0.0
	for _, x := range v {
		total += math.Abs(x)
	}
	if total <= eps || math.IsNaN(total) {
		return nil, false
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / total
	}
	return out, true
}

// resolveImportance 依次尝试：学习器原生重要性 → 相关性回退 → 等权重
func resolveImportance(native []float64, X [][]float64, y []float64) ([]float64, string) {
	if imp, ok := normalizeL1(native, 0); ok {
		return imp, ImportanceNative
	}
	if imp, ok := normalizeL1(CorrelationImportance(X, y), 1e-10); ok {
		return imp, ImportanceCorrelation
	}
	return EqualImportance(len(native)), ImportanceEqual
}

// CorrelationImportance 每个特征与目标的 |Pearson r|·(1 − p)，p 为双侧 t 检验的 p 值。
// 零方差特征、样本数少于 3 或结果为 NaN 时记 0。
func CorrelationImportance(X [][]float64, y []float64) []float64 {
	if len(X) == 0 {
		return nil
	}
	d := len(X[0])
	out := make([]float64, d)
	n := len(X)
	if n < 3 || stat.Variance(y, nil) == 0 {
		return out
	}
	col := make([]float64, n)
	for j := range d {
		for i, row := range X {
			col[i] = row[j]
		}
		if stat.Variance(col, nil) == 0 {
			continue
		}
		r := stat.Correlation(col, y, nil)
		if math.IsNaN(r) {
			continue
		}
		out[j] = math.Abs(r) * (1 - pearsonPValue(r, n))
	}
	return out
}

// pearsonPValue 相关系数 r 在样本数 n 下的双侧 p 值
func pearsonPValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	return math.Min(1, math.Max(0, p))
}

// EqualImportance 等权重
func EqualImportance(d int) []float64 {
	out := make([]float64, d)
	if d == 0 {
		return out
	}
	for i := range out {
		out[i] = 1 / float64(d)
	}
	return out
}
