package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/model"
)

// DefaultTolerance 预测值与真实值的相对误差在该比例内视为命中
const DefaultTolerance = 0.3

// Evaluation 预测值与目标分的对比指标
type Evaluation struct {
	Samples         int     `json:"samples"`
	MAE             float64 `json:"mae"`
	MSE             float64 `json:"mse"`
	RMSE            float64 `json:"rmse"`
	Correlation     float64 `json:"correlation"`
	NDCG            float64 `json:"ndcg"`
	WithinTolerance float64 `json:"within_tolerance_ratio"`
	MinPrediction   float64 `json:"min_prediction"`
	MaxPrediction   float64 `json:"max_prediction"`
	MeanPrediction  float64 `json:"mean_prediction"`
	StdPrediction   float64 `json:"std_prediction"`
}

// Metrics 转为写入模型元数据的指标（eval_ 前缀）
func (e *Evaluation) Metrics() map[string]float64 {
	return map[string]float64{
		"eval_mae":              e.MAE,
		"eval_rmse":             e.RMSE,
		"eval_correlation":      e.Correlation,
		"eval_ndcg":             e.NDCG,
		"eval_within_tolerance": e.WithinTolerance,
	}
}

// ValidatePredictions 用已训练模型对 X 评分并与 y 对比
func ValidatePredictions(m *model.RankingModel, X [][]float64, y []float64, groups []int) (*Evaluation, error) {
	results, err := m.Predict(X)
	if err != nil {
		return nil, err
	}
	pred := make([]float64, len(results))
	for i, r := range results {
		pred[i] = r.RiskScore
	}
	return Evaluate(pred, y, groups)
}

// Evaluate 计算 MAE / RMSE / 相关系数 / 分组 NDCG / 30% 容差命中率。
// 方差为 0 时相关系数记为 0。
func Evaluate(pred, actual []float64, groups []int) (*Evaluation, error) {
	if len(pred) == 0 {
		return nil, core.NewDomainError(core.ModuleTraining, core.ErrorCodeInvalidInput, "no predictions to evaluate")
	}
	if len(pred) != len(actual) {
		return nil, core.NewDomainError(core.ModuleTraining, core.ErrorCodeShapeMismatch,
			fmt.Sprintf("%d predictions for %d targets", len(pred), len(actual)))
	}

	var absSum, sqSum float64
	within := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range pred {
		d := p - actual[i]
		absSum += math.Abs(d)
		sqSum += d * d
		if math.Abs(d) <= DefaultTolerance*math.Abs(actual[i]) {
			within++
		}
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	n := float64(len(pred))
	mean, std := stat.PopMeanStdDev(pred, nil)
	ev := &Evaluation{
		Samples:         len(pred),
		MAE:             absSum / n,
		MSE:             sqSum / n,
		RMSE:            math.Sqrt(sqSum / n),
		Correlation:     finite(stat.Correlation(pred, actual, nil)),
		NDCG:            model.GroupNDCG(actual, pred, groups),
		WithinTolerance: float64(within) / n,
		MinPrediction:   lo,
		MaxPrediction:   hi,
		MeanPrediction:  mean,
		StdPrediction:   finite(std),
	}
	return ev, nil
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
