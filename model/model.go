package model

// Learner 是排序模型内部的最小抽象：输入一行标准化后的特征，输出一个可比较的分数。
// 具体实现为 LambdaMART 梯度提升树或随机森林，二者都表示为 Ensemble。
type Learner interface {
	Name() string
	Predict(x []float64) float64
}

// Attributor 局部归因：返回每个特征对单行预测值的贡献（与特征同序）
type Attributor interface {
	Explain(x []float64) []float64
}

// Ensemble 回归树集成。预测值为 Base + Scale·Σ tree(x)：
//   - 梯度提升：Base 为初始分，Scale 为学习率
//   - 随机森林：Base 为 0，Scale 为 1/树的数量
type Ensemble struct {
	Algorithm   string  `json:"algorithm"`
	Base        float64 `json:"base"`
	Scale       float64 `json:"scale"`
	NumFeatures int     `json:"num_features"`
	Trees       []*Tree `json:"trees"`
}

// Name 算法标识
func (e *Ensemble) Name() string { return e.Algorithm }

// Predict 对一行标准化特征打分
func (e *Ensemble) Predict(x []float64) float64 {
	s := 0.0
	for _, t := range e.Trees {
		s += t.Predict(x)
	}
	return e.Base + e.Scale*s
}

// Importance 按分裂增益累计的特征重要性（未归一化）
func (e *Ensemble) Importance() []float64 {
	out := make([]float64, e.NumFeatures)
	for _, t := range e.Trees {
		for i := range t.Nodes {
			n := &t.Nodes[i]
			if !n.IsLeaf() && n.Feature < len(out) {
				out[n.Feature] += n.Gain
			}
		}
	}
	return out
}

// truncate 只保留前 n 棵树
func (e *Ensemble) truncate(n int) {
	if n < len(e.Trees) {
		e.Trees = e.Trees[:n]
	}
}

var _ Learner = (*Ensemble)(nil)
