package model

import (
	"math/rand/v2"
)

// forestParams 随机森林训练参数
type forestParams struct {
	trees     int
	tree      treeParams
	bootstrap bool
}

// fitForest 拟合随机森林回归器：每棵树在自助采样上以方差最小化生长，预测取均值。
// 启用早停时按验证集 NDCG 跟踪最佳树数量。
func fitForest(X [][]float64, y []float64, Xv [][]float64, yv []float64, gv []int,
	p forestParams, stopper *earlyStopper, rng *rand.Rand) fitOutcome {
	n := len(X)
	ens := &Ensemble{Algorithm: AlgorithmRandomForest, NumFeatures: len(X[0])}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	out := fitOutcome{ens: ens}
	valSums := make([]float64, len(Xv))
	valPred := make([]float64, len(Xv))
	for iter := range p.trees {
		rows := all
		if p.bootstrap {
			rows = make([]int, n)
			for i := range rows {
				rows[i] = rng.IntN(n)
			}
		}
		t := buildTree(X, y, ones, rows, p.tree, rng)
		ens.Trees = append(ens.Trees, t)

		for i, x := range Xv {
			valSums[i] += t.Predict(x)
			valPred[i] = valSums[i] / float64(iter+1)
		}
		if stopper.observe(iter+1, GroupNDCG(yv, valPred, gv)) {
			out.earlyStopped = true
			break
		}
	}
	ens.truncate(stopper.keep(len(ens.Trees)))
	if len(ens.Trees) > 0 {
		ens.Scale = 1 / float64(len(ens.Trees))
	}

	var sse float64
	for i, x := range X {
		d := ens.Predict(x) - y[i]
		sse += d * d
	}
	out.trainingLoss = sse / float64(n)
	out.epochs = len(ens.Trees)
	return out
}
