package model

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
)

// 支持的算法标识（写入模型元数据）
const (
	// AlgorithmLambdaRank LambdaMART 梯度提升排序树（NDCG 指标）
	AlgorithmLambdaRank = "lightgbm_lambdarank"
	// AlgorithmRandomForest 随机森林回归，作为排序的近似
	AlgorithmRandomForest = "random_forest"
)

const (
	// earlyStoppingMinRows 启用早停所需的最少训练行数
	earlyStoppingMinRows = 100
	// earlyStoppingFloor 早停时至少保留的树数量
	earlyStoppingFloor = 50
	// lowVarianceThreshold 目标方差低于该值时记 WARN
	lowVarianceThreshold = 1e-6
)

// TrainingResult 一次训练的指标
type TrainingResult struct {
	Algorithm         string             `json:"algorithm"`
	ModelVersion      string             `json:"model_version"`
	TrainNDCG         float64            `json:"train_ndcg"`
	ValNDCG           float64            `json:"val_ndcg"`
	Epochs            int                `json:"epochs"`
	TrainingLoss      float64            `json:"training_loss"`
	EarlyStopped      bool               `json:"early_stopped"`
	TrainSamples      int                `json:"train_samples"`
	ValSamples        int                `json:"val_samples"`
	GroupSplit        bool               `json:"group_split"`
	ImportanceSource  string             `json:"importance_source,omitempty"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	// Degenerate 目标只有一个取值，未进行拟合
	Degenerate bool `json:"degenerate"`
}

// Metrics 转为写入模型元数据的指标
func (r *TrainingResult) Metrics() map[string]float64 {
	return map[string]float64{
		"train_ndcg":    r.TrainNDCG,
		"val_ndcg":      r.ValNDCG,
		"epochs":        float64(r.Epochs),
		"training_loss": r.TrainingLoss,
		"train_samples": float64(r.TrainSamples),
		"val_samples":   float64(r.ValSamples),
	}
}

// PredictionResult 单行预测结果
type PredictionResult struct {
	RiskScore float64 `json:"risk_score"`
	// FeatureImportance 按 |值| 取前 k 个特征的贡献（局部归因）或全局重要性
	FeatureImportance map[string]float64 `json:"feature_importance"`
	ModelVersion      string             `json:"model_version"`
	Confidence        float64            `json:"confidence"`
}

// RankingModel 风险排序模型：标准化器 + 树集成学习器 + 可选的路径归因。
//
// 状态：未训练 → Train → 已训练 → Marshal/存储 → 已持久化。只有已训练的模型可以 Predict / Marshal。
// 训练完成后模型只读，可并发 Predict。
//
// 使用示例：
//
//	m := model.NewRankingModel(model.WithAlgorithm(model.AlgorithmLambdaRank), model.WithSeed(42))
//	res, err := m.Train(ds.X, ds.Y, ds.Groups, ds.FeatureNames)
//	preds, err := m.Predict(X)
type RankingModel struct {
	algorithm          string
	trees              int
	maxDepth           int
	minSamplesLeaf     int
	learningRate       float64
	featureFraction    float64
	validationFraction float64
	earlyStopping      int
	seed               uint64
	rankLabels         *bool
	attribution        bool
	topFeatures        int
	logger             *slog.Logger
	now                func() time.Time

	// 训练后状态
	learner        *Ensemble
	attributor     Attributor
	scaler         feature.FeatureScaler
	featureNames   []string
	modelVersion   string
	importance     []float64
	predictionMean float64
	result         *TrainingResult
}

// Option 模型配置选项
type Option func(*RankingModel)

// WithAlgorithm 选择学习器，"lambdarank" 为 AlgorithmLambdaRank 的别名
func WithAlgorithm(tag string) Option {
	return func(m *RankingModel) {
		if tag == "lambdarank" {
			tag = AlgorithmLambdaRank
		}
		m.algorithm = tag
	}
}

// WithTrees 设置最大树数量
func WithTrees(n int) Option { return func(m *RankingModel) { m.trees = n } }

// WithMaxDepth 设置单棵树的最大深度
func WithMaxDepth(d int) Option { return func(m *RankingModel) { m.maxDepth = d } }

// WithMinSamplesLeaf 设置叶子节点最少样本数
func WithMinSamplesLeaf(n int) Option { return func(m *RankingModel) { m.minSamplesLeaf = n } }

// WithLearningRate 设置梯度提升的学习率
func WithLearningRate(lr float64) Option { return func(m *RankingModel) { m.learningRate = lr } }

// WithFeatureFraction 每次分裂随机选取的特征比例，1 表示全部
func WithFeatureFraction(f float64) Option { return func(m *RankingModel) { m.featureFraction = f } }

// WithValidationFraction 设置验证集比例（默认 0.2）
func WithValidationFraction(f float64) Option {
	return func(m *RankingModel) { m.validationFraction = f }
}

// WithEarlyStopping 验证指标连续 rounds 轮不提升时停止
func WithEarlyStopping(rounds int) Option { return func(m *RankingModel) { m.earlyStopping = rounds } }

// WithSeed 设置随机种子，相同种子和数据得到相同模型
func WithSeed(seed uint64) Option { return func(m *RankingModel) { m.seed = seed } }

// WithRankLabels 是否把目标分映射为整数名次；默认 LambdaMART 开启、随机森林关闭
func WithRankLabels(on bool) Option { return func(m *RankingModel) { m.rankLabels = &on } }

// WithAttribution 是否在预测时计算局部归因
func WithAttribution(on bool) Option { return func(m *RankingModel) { m.attribution = on } }

// WithTopFeatures 预测结果中保留的特征数量
func WithTopFeatures(k int) Option { return func(m *RankingModel) { m.topFeatures = k } }

// WithModelLogger 设置日志
func WithModelLogger(l *slog.Logger) Option {
	return func(m *RankingModel) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithModelClock 设置生成模型版本号使用的时钟
func WithModelClock(now func() time.Time) Option { return func(m *RankingModel) { m.now = now } }

// NewRankingModel 创建未训练的排序模型
func NewRankingModel(opts ...Option) *RankingModel {
	m := &RankingModel{
		algorithm:          AlgorithmLambdaRank,
		trees:              100,
		maxDepth:           6,
		minSamplesLeaf:     5,
		learningRate:       0.1,
		featureFraction:    1,
		validationFraction: 0.2,
		earlyStopping:      10,
		seed:               42,
		attribution:        true,
		topFeatures:        10,
		logger:             slog.Default(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name 算法标识
func (m *RankingModel) Name() string { return m.algorithm }

// IsTrained 是否已训练（或已从快照恢复）
func (m *RankingModel) IsTrained() bool { return m.learner != nil }

// Version 模型版本号，未训练时为空
func (m *RankingModel) Version() string { return m.modelVersion }

// FeatureNames 训练时的特征名（副本）
func (m *RankingModel) FeatureNames() []string { return slices.Clone(m.featureNames) }

// HasAttribution 预测时是否输出局部归因
func (m *RankingModel) HasAttribution() bool { return m.attributor != nil }

// LastResult 最近一次训练（或快照中）的指标
func (m *RankingModel) LastResult() *TrainingResult { return m.result }

// GlobalImportance 全局特征重要性（L1 归一化）
func (m *RankingModel) GlobalImportance() map[string]float64 {
	return namedValues(m.featureNames, m.importance)
}

// Params 训练参数快照，写入模型元数据的 config
func (m *RankingModel) Params() map[string]any {
	p := map[string]any{
		"algorithm":           m.algorithm,
		"trees":               m.trees,
		"max_depth":           m.maxDepth,
		"min_samples_leaf":    m.minSamplesLeaf,
		"learning_rate":       m.learningRate,
		"feature_fraction":    m.featureFraction,
		"validation_fraction": m.validationFraction,
		"early_stopping":      m.earlyStopping,
		"seed":                m.seed,
		"rank_labels":         m.useRankLabels(),
		"attribution":         m.attribution,
		"top_features":        m.topFeatures,
	}
	return p
}

func (m *RankingModel) useRankLabels() bool {
	if m.rankLabels != nil {
		return *m.rankLabels
	}
	return m.algorithm == AlgorithmLambdaRank
}

// Train 在 X[n×d]、y[n] 上训练；groups 为按行连续的分组大小（可为空），names 为特征名（可为空）。
//
// 目标只有一个取值时不拟合，返回 Degenerate=true 的零指标结果，模型保持未训练状态。
func (m *RankingModel) Train(X [][]float64, y []float64, groups []int, names []string) (*TrainingResult, error) {
	if err := m.checkInput(X, y, groups); err != nil {
		return nil, err
	}
	n, d := len(X), len(X[0])
	if len(names) == 0 {
		names = make([]string, d)
		for j := range names {
			names[j] = fmt.Sprintf("feature_%d", j)
		}
	} else if len(names) != d {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeShapeMismatch,
			fmt.Sprintf("got %d feature names for %d columns", len(names), d))
	}
	if m.algorithm != AlgorithmLambdaRank && m.algorithm != AlgorithmRandomForest {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
			fmt.Sprintf("unknown algorithm %q", m.algorithm))
	}

	lo, hi := slices.Min(y), slices.Max(y)
	variance := feature.ComputeStatistics(y).Std
	variance *= variance
	m.logger.Info("training ranking model",
		"algorithm", m.algorithm, "samples", n, "features", d, "groups", len(groups),
		"target_min", lo, "target_max", hi, "target_variance", variance)

	if lo == hi {
		m.logger.Error("all target values are identical, skipping fit", "value", lo)
		return &TrainingResult{
			Algorithm:         m.algorithm,
			Degenerate:        true,
			FeatureImportance: namedValues(names, make([]float64, d)),
		}, nil
	}
	if variance < lowVarianceThreshold {
		m.logger.Warn("low target variance, model may have limited discriminative power", "variance", variance)
	}

	rng := newRand(m.seed)
	sp := splitByGroups(n, groups, m.validationFraction, rng)
	Xtr, ytr := selectRows(X, sp.trainRows), selectValues(y, sp.trainRows)
	Xv, yv := selectRows(X, sp.valRows), selectValues(y, sp.valRows)

	scaler := feature.FitScaler(Xtr, names)
	XtrS := scaler.Transform(Xtr, names)
	XvS := scaler.Transform(Xv, names)

	ltr, lv := ytr, yv
	if m.useRankLabels() {
		ltr, lv = RankLabels(ytr), RankLabels(yv)
	}
	if m.algorithm == AlgorithmLambdaRank {
		ltr, lv = JitterTies(ltr), JitterTies(lv)
	}

	stopper := &earlyStopper{
		enabled: m.earlyStopping > 0 && len(sp.trainRows) >= earlyStoppingMinRows && len(sp.valRows) > 0,
		rounds:  m.earlyStopping,
		floor:   earlyStoppingFloor,
	}
	tp := treeParams{maxDepth: m.maxDepth, minSamplesLeaf: m.minSamplesLeaf, featureFraction: m.featureFraction}

	var out fitOutcome
	switch m.algorithm {
	case AlgorithmLambdaRank:
		tp.l2 = 1e-3
		out = fitLambdaMART(XtrS, ltr, sp.trainGroups, XvS, lv, sp.valGroups,
			boostParams{trees: m.trees, learningRate: m.learningRate, tree: tp, truncation: 30}, stopper, rng)
	case AlgorithmRandomForest:
		out = fitForest(XtrS, ltr, XvS, lv, sp.valGroups,
			forestParams{trees: m.trees, tree: tp, bootstrap: true}, stopper, rng)
	}
	if len(out.ens.Trees) == 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeDegenerateDataset, "learner produced no trees")
	}

	predTr := predictAll(out.ens, XtrS)
	predV := predictAll(out.ens, XvS)
	importance, source := resolveImportance(out.ens.Importance(), XtrS, ytr)
	if source != ImportanceNative {
		m.logger.Warn("native feature importance is all zero, using fallback", "source", source)
	}

	m.learner = out.ens
	m.scaler = scaler
	m.featureNames = slices.Clone(names)
	m.importance = importance
	m.predictionMean = mean(predTr)
	m.modelVersion = fmt.Sprintf("%s_%s", m.algorithm, m.now().UTC().Format("20060102_150405"))
	m.attributor = nil
	if m.attribution {
		m.attributor = NewPathAttributor(out.ens)
	}

	res := &TrainingResult{
		Algorithm:         m.algorithm,
		ModelVersion:      m.modelVersion,
		TrainNDCG:         GroupNDCG(ytr, predTr, sp.trainGroups),
		ValNDCG:           GroupNDCG(yv, predV, sp.valGroups),
		Epochs:            out.epochs,
		TrainingLoss:      out.trainingLoss,
		EarlyStopped:      out.earlyStopped,
		TrainSamples:      len(sp.trainRows),
		ValSamples:        len(sp.valRows),
		GroupSplit:        sp.byGroup,
		ImportanceSource:  source,
		FeatureImportance: namedValues(names, importance),
	}
	m.result = res
	m.logger.Info("training complete",
		"version", m.modelVersion, "train_ndcg", res.TrainNDCG, "val_ndcg", res.ValNDCG,
		"epochs", res.Epochs, "early_stopped", res.EarlyStopped)
	return res, nil
}

func (m *RankingModel) checkInput(X [][]float64, y []float64, groups []int) error {
	if len(X) == 0 || len(X[0]) == 0 {
		return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "empty feature matrix")
	}
	if len(y) != len(X) {
		return core.NewDomainError(core.ModuleModel, core.ErrorCodeShapeMismatch,
			fmt.Sprintf("got %d targets for %d rows", len(y), len(X)))
	}
	d := len(X[0])
	for i, row := range X {
		if len(row) != d {
			return core.NewDomainError(core.ModuleModel, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("row %d has %d columns, want %d", i, len(row), d))
		}
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
				fmt.Sprintf("target %d is not finite", i))
		}
	}
	if len(groups) > 0 {
		sum := 0
		for _, g := range groups {
			if g <= 0 {
				return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "group sizes must be positive")
			}
			sum += g
		}
		if sum != len(X) {
			return core.NewDomainError(core.ModuleModel, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("group sizes sum to %d, want %d", sum, len(X)))
		}
	}
	return nil
}

// Predict 对 X[n×d]（原始特征，列顺序同训练）打分。未训练返回 MODEL_NOT_READY。
func (m *RankingModel) Predict(X [][]float64) ([]PredictionResult, error) {
	if !m.IsTrained() {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeModelNotReady, "model is not trained")
	}
	d := len(m.featureNames)
	results := make([]PredictionResult, 0, len(X))
	for i, row := range X {
		if len(row) != d {
			return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("row %d has %d features, want %d", i, len(row), d))
		}
		x := m.scaler.TransformRow(row, m.featureNames)
		score := m.learner.Predict(x)

		contrib := m.importance
		if m.attributor != nil {
			contrib = m.attributor.Explain(x)
		}
		results = append(results, PredictionResult{
			RiskScore:         score,
			FeatureImportance: topK(m.featureNames, contrib, m.topFeatures),
			ModelVersion:      m.modelVersion,
			Confidence:        m.confidence(score),
		})
	}
	return results, nil
}

// confidence 预测置信度的占位启发式：分数离训练集平均预测越近越高，取值 [0.1, 1]。
// 不是校准过的不确定性估计。
func (m *RankingModel) confidence(score float64) float64 {
	return math.Min(1, math.Max(0.1, 1/(1+math.Abs(score-m.predictionMean))))
}

func newRand(seed uint64) *rand.Rand {
	var key [32]byte
	for i := range 8 {
		key[i] = byte(seed >> (8 * i))
	}
	return rand.New(rand.NewChaCha8(key))
}

func predictAll(l Learner, X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = l.Predict(x)
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func namedValues(names []string, values []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		if i < len(values) {
			out[name] = values[i]
		}
	}
	return out
}

// topK 按 |值| 降序取前 k 个，k <= 0 时返回全部
func topK(names []string, values []float64, k int) map[string]float64 {
	idx := make([]int, 0, len(values))
	for i := range values {
		if i < len(names) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(values[idx[a]]) > math.Abs(values[idx[b]])
	})
	if k > 0 && len(idx) > k {
		idx = idx[:k]
	}
	out := make(map[string]float64, len(idx))
	for _, i := range idx {
		out[names[i]] = values[i]
	}
	return out
}
