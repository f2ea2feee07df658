package model

import (
	"math"
	"math/rand/v2"
)

// boostParams LambdaMART 训练参数
type boostParams struct {
	trees        int
	learningRate float64
	tree         treeParams
	truncation   int
}

// fitOutcome 学习器拟合结果
type fitOutcome struct {
	ens          *Ensemble
	epochs       int
	trainingLoss float64
	earlyStopped bool
}

// fitLambdaMART 以 LambdaRank 目标拟合梯度提升树。
//
// 每轮按组计算成对 lambda 梯度（ΔNDCG 加权的逻辑斯蒂损失），用牛顿步长拟合一棵回归树。
// 只有当前排名前 truncation 位的样本参与成对比较。stopper 按验证集 NDCG 决定何时停止。
func fitLambdaMART(X [][]float64, y []float64, groups []int, Xv [][]float64, yv []float64, gv []int,
	p boostParams, stopper *earlyStopper, rng *rand.Rand) fitOutcome {
	n := len(X)
	ens := &Ensemble{Algorithm: AlgorithmLambdaRank, Scale: p.learningRate, NumFeatures: len(X[0])}
	scores := make([]float64, n)
	valScores := make([]float64, len(Xv))
	grad := make([]float64, n)
	hess := make([]float64, n)
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}

	out := fitOutcome{ens: ens}
	for iter := range p.trees {
		clear(grad)
		clear(hess)
		loss, pairs := lambdaGradients(y, scores, groups, p.truncation, grad, hess)
		if pairs == 0 {
			break
		}
		out.trainingLoss = loss
		t := buildTree(X, grad, hess, rows, p.tree, rng)
		ens.Trees = append(ens.Trees, t)
		for i, x := range X {
			scores[i] += p.learningRate * t.Predict(x)
		}
		for i, x := range Xv {
			valScores[i] += p.learningRate * t.Predict(x)
		}
		if stopper.observe(iter+1, GroupNDCG(yv, valScores, gv)) {
			out.earlyStopped = true
			break
		}
	}
	ens.truncate(stopper.keep(len(ens.Trees)))
	out.epochs = len(ens.Trees)
	return out
}

// lambdaGradients 计算每个样本的 lambda（作为拟合目标的负梯度）和二阶项，返回平均成对损失和参与的样本对数
func lambdaGradients(y, scores []float64, groups []int, truncation int, grad, hess []float64) (float64, int) {
	if len(groups) == 0 {
		groups = []int{len(y)}
	}
	var (
		lossSum float64
		pairs   int
		start   int
	)
	for _, size := range groups {
		end := start + size
		if size < 2 || end > len(y) {
			start = end
			continue
		}
		gy := y[start:end]
		gs := scores[start:end]
		gains := relevanceGains(gy)
		idcg := idealDCG(gains)
		if idcg <= 0 {
			start = end
			continue
		}

		order := argsortDesc(gs)
		top := size
		if truncation > 0 {
			top = min(truncation, size)
		}
		for a := 0; a < top; a++ {
			for b := a + 1; b < size; b++ {
				i, j := order[a], order[b]
				if gy[i] == gy[j] {
					continue
				}
				hi, lo, posHi, posLo := i, j, a, b
				if gy[i] < gy[j] {
					hi, lo, posHi, posLo = j, i, b, a
				}
				delta := math.Abs((gains[hi] - gains[lo]) * (discount(posHi) - discount(posLo))) / idcg
				s := gs[hi] - gs[lo]
				rho := 1 / (1 + math.Exp(s))
				lambda := rho * delta
				h := rho * (1 - rho) * delta

				grad[start+hi] += lambda
				grad[start+lo] -= lambda
				hess[start+hi] += h
				hess[start+lo] += h
				lossSum += delta * math.Log1p(math.Exp(-s))
				pairs++
			}
		}
		start = end
	}
	if pairs == 0 {
		return 0, 0
	}
	return lossSum / float64(pairs), pairs
}

// relevanceGains 线性增益，负值整体平移到 0
func relevanceGains(y []float64) []float64 {
	lo := math.Inf(1)
	for _, v := range y {
		lo = math.Min(lo, v)
	}
	shift := 0.0
	if lo < 0 {
		shift = -lo
	}
	out := make([]float64, len(y))
	for i, v := range y {
		out[i] = v + shift
	}
	return out
}

func idealDCG(gains []float64) float64 {
	order := argsortDesc(gains)
	dcg := 0.0
	for pos, i := range order {
		dcg += gains[i] * discount(pos)
	}
	return dcg
}

func discount(pos int) float64 { return 1 / math.Log2(float64(pos)+2) }

// earlyStopper 跟踪验证指标，连续 rounds 轮没有提升且已达到 floor 时停止。
// 未启用时不停止，也不截断。
type earlyStopper struct {
	enabled  bool
	rounds   int
	floor    int
	best     float64
	bestIter int
}

func (s *earlyStopper) observe(iter int, metric float64) bool {
	if !s.enabled {
		return false
	}
	if s.bestIter == 0 || metric > s.best+1e-9 {
		s.best, s.bestIter = metric, iter
		return false
	}
	return iter-s.bestIter >= s.rounds && iter >= s.floor
}

// keep 停止后保留的树数量：最佳轮次，但不少于 floor
func (s *earlyStopper) keep(total int) int {
	if !s.enabled || s.bestIter == 0 {
		return total
	}
	return min(total, max(s.bestIter, s.floor))
}
