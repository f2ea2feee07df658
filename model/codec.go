package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
)

// FileExtension 模型文件扩展名（model.json）
const FileExtension = "json"

// snapshotFormat 快照格式版本，结构不兼容变更时递增
const snapshotFormat = 1

// snapshot 训练后模型的持久化形态
type snapshot struct {
	Format         int                   `json:"format_version"`
	Algorithm      string                `json:"algorithm"`
	ModelVersion   string                `json:"model_version"`
	FeatureNames   []string              `json:"feature_names"`
	Scaler         feature.FeatureScaler `json:"scaler"`
	Learner        *Ensemble             `json:"learner"`
	Importance     []float64             `json:"importance"`
	PredictionMean float64               `json:"prediction_mean"`
	Attribution    bool                  `json:"attribution"`
	TopFeatures    int                   `json:"top_features"`
	Params         map[string]any        `json:"params"`
	Training       *TrainingResult       `json:"training_metrics,omitempty"`
}

// Marshal 序列化已训练的模型；未训练返回 MODEL_NOT_READY
func (m *RankingModel) Marshal() ([]byte, error) {
	if !m.IsTrained() {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeModelNotReady, "no model to save, train first")
	}
	data, err := json.Marshal(snapshot{
		Format:         snapshotFormat,
		Algorithm:      m.algorithm,
		ModelVersion:   m.modelVersion,
		FeatureNames:   m.featureNames,
		Scaler:         m.scaler,
		Learner:        m.learner,
		Importance:     m.importance,
		PredictionMean: m.predictionMean,
		Attribution:    m.attributor != nil,
		TopFeatures:    m.topFeatures,
		Params:         m.Params(),
		Training:       m.result,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal model: %w", err)
	}
	return data, nil
}

// Unmarshal 从快照恢复已训练的模型。opts 只影响日志等运行期选项。
// 内容无法解析或结构不一致时返回 CORRUPT_MODEL。
func Unmarshal(data []byte, opts ...Option) (*RankingModel, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, core.WrapDomainError(core.ModuleModel, core.ErrorCodeCorruptModel, "decode model", err)
	}
	if s.Format != snapshotFormat {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeCorruptModel,
			fmt.Sprintf("unsupported model format %d", s.Format))
	}
	if s.Learner == nil || len(s.Learner.Trees) == 0 || len(s.FeatureNames) == 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeCorruptModel, "model snapshot has no learner")
	}
	if s.Learner.NumFeatures != len(s.FeatureNames) || len(s.Importance) != len(s.FeatureNames) {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeCorruptModel,
			fmt.Sprintf("model snapshot has %d features but learner expects %d", len(s.FeatureNames), s.Learner.NumFeatures))
	}
	if err := checkTrees(s.Learner); err != nil {
		return nil, err
	}

	m := NewRankingModel(append([]Option{WithAlgorithm(s.Algorithm)}, opts...)...)
	m.learner = s.Learner
	m.scaler = s.Scaler
	m.featureNames = slices.Clone(s.FeatureNames)
	m.modelVersion = s.ModelVersion
	m.importance = s.Importance
	m.predictionMean = s.PredictionMean
	m.result = s.Training
	m.attribution = s.Attribution
	if s.TopFeatures > 0 {
		m.topFeatures = s.TopFeatures
	}
	if s.Attribution {
		m.attributor = NewPathAttributor(s.Learner)
	}
	return m, nil
}

// checkTrees 校验节点下标和特征下标，避免预测时越界
func checkTrees(e *Ensemble) error {
	for ti, t := range e.Trees {
		if t == nil || len(t.Nodes) == 0 {
			return core.NewDomainError(core.ModuleModel, core.ErrorCodeCorruptModel, fmt.Sprintf("tree %d is empty", ti))
		}
		for ni, n := range t.Nodes {
			if n.IsLeaf() {
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) ||
				n.Feature < 0 || n.Feature >= e.NumFeatures {
				return core.NewDomainError(core.ModuleModel, core.ErrorCodeCorruptModel,
					fmt.Sprintf("tree %d node %d is malformed", ti, ni))
			}
		}
	}
	return nil
}
