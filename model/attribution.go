package model

// PathAttributor 基于决策路径的树模型归因。
//
// 每棵树从根走到叶子，节点值的每一次变化记到该分裂使用的特征上，
// 因此 Σ贡献 + 期望值 == 预测值（期望值为 Base + Scale·Σ根节点值）。
type PathAttributor struct {
	ens *Ensemble
}

// NewPathAttributor 基于训练好的集成模型创建归因器
func NewPathAttributor(ens *Ensemble) *PathAttributor {
	return &PathAttributor{ens: ens}
}

// Explain 返回单行的特征贡献
func (a *PathAttributor) Explain(x []float64) []float64 {
	out := make([]float64, a.ens.NumFeatures)
	for _, t := range a.ens.Trees {
		t.contributions(x, a.ens.Scale, out)
	}
	return out
}

// ExpectedValue 所有贡献为 0 时的预测值
func (a *PathAttributor) ExpectedValue() float64 {
	s := 0.0
	for _, t := range a.ens.Trees {
		if len(t.Nodes) > 0 {
			s += t.Nodes[0].Value
		}
	}
	return a.ens.Base + a.ens.Scale*s
}

var _ Attributor = (*PathAttributor)(nil)
