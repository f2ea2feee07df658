// Package service 提供在线风险评分：持有当前加载的模型，支持同步预测和原子热加载。
package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/model"
	"github.com/rushteam/riskrank/storage"
)

// snapshot 一次加载得到的不可变状态，预测只读取一次指针，保证看到的是同一个版本
type snapshot struct {
	model    *model.RankingModel
	features *feature.FeatureMetadata
	meta     *core.ModelMetadata
	loadedAt time.Time
}

// PredictionService 在线评分服务。
//
// 并发模型：
//   - 当前模型保存在 atomic.Pointer 中，Predict 无锁读取
//   - Reload 由互斥锁串行化，加载完成后一次性替换指针
//   - 替换前开始的预测使用旧版本完成，替换后开始的预测使用新版本
type PredictionService struct {
	storage        core.ModelStorage
	extractor      *feature.FeatureExtractor
	defaultModelID string
	modelOpts      []model.Option
	metrics        *Metrics
	logger         *slog.Logger
	now            func() time.Time

	current  atomic.Pointer[snapshot]
	reloadMu sync.Mutex
}

// Option 服务配置选项
type Option func(*PredictionService)

// WithExtractor 设置特征提取器（默认 feature.NewFeatureExtractor()）
func WithExtractor(e *feature.FeatureExtractor) Option {
	return func(s *PredictionService) {
		if e != nil {
			s.extractor = e
		}
	}
}

// WithDefaultModelID 设置默认模型 id，用于 AutoLoad 和未指定 id 的 Reload
func WithDefaultModelID(id string) Option {
	return func(s *PredictionService) { s.defaultModelID = id }
}

// WithModelOptions 设置反序列化模型时的选项（如 top-k 特征数）
func WithModelOptions(opts ...model.Option) Option {
	return func(s *PredictionService) { s.modelOpts = append(s.modelOpts, opts...) }
}

// WithMetrics 设置 Prometheus 指标
func WithMetrics(m *Metrics) Option {
	return func(s *PredictionService) { s.metrics = m }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(s *PredictionService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *PredictionService) { s.now = now }
}

func NewPredictionService(store core.ModelStorage, opts ...Option) *PredictionService {
	s := &PredictionService{
		storage: store,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extractor == nil {
		s.extractor = feature.NewFeatureExtractor(feature.WithExtractorClock(s.now))
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.logger = s.logger.With("component", "prediction_service")
	return s
}

// DefaultModelID 默认模型 id
func (s *PredictionService) DefaultModelID() string { return s.defaultModelID }

// IsLoaded 是否已有可用模型
func (s *PredictionService) IsLoaded() bool { return s.current.Load() != nil }

// Predict 对单个部署评分，没有加载模型时返回 MODEL_NOT_READY
func (s *PredictionService) Predict(ctx context.Context, req *DeploymentRiskRequest) (*DeploymentRiskResponse, error) {
	snap := s.current.Load()
	if snap == nil {
		s.metrics.PredictionErrors.WithLabelValues(core.ErrorCodeModelNotReady).Inc()
		return nil, core.ErrModelNotReady
	}
	return s.predictWith(ctx, snap, req)
}

// PredictBatch 批量评分，整批使用同一个模型版本；单条失败记录在对应响应的 Error 中
func (s *PredictionService) PredictBatch(ctx context.Context, reqs []*DeploymentRiskRequest) ([]*DeploymentRiskResponse, error) {
	snap := s.current.Load()
	if snap == nil {
		s.metrics.PredictionErrors.WithLabelValues(core.ErrorCodeModelNotReady).Inc()
		return nil, core.ErrModelNotReady
	}
	out := make([]*DeploymentRiskResponse, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := s.predictWith(ctx, snap, req)
		if err != nil {
			resp = &DeploymentRiskResponse{
				ModelID:      snap.meta.ModelID,
				ModelVersion: snap.model.Version(),
				Timestamp:    s.now().Unix(),
				Error:        err.Error(),
			}
			if req != nil {
				resp.DeploymentID = req.DeploymentID
			}
		}
		out[i] = resp
	}
	return out, nil
}

func (s *PredictionService) predictWith(_ context.Context, snap *snapshot, req *DeploymentRiskRequest) (*DeploymentRiskResponse, error) {
	start := time.Now()
	values, err := s.featureValues(req)
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues(errorCode(err)).Inc()
		return nil, err
	}
	row := snap.features.BuildFeatureVector(values)
	results, err := snap.model.Predict([][]float64{row})
	if err != nil {
		s.metrics.PredictionErrors.WithLabelValues(errorCode(err)).Inc()
		return nil, err
	}
	res := results[0]

	resp := &DeploymentRiskResponse{
		DeploymentID:       req.DeploymentID,
		RiskScore:          res.RiskScore,
		Confidence:         res.Confidence,
		FeatureImportances: importances(res.FeatureImportance),
		ModelID:            snap.meta.ModelID,
		ModelVersion:       res.ModelVersion,
		Timestamp:          s.now().Unix(),
	}
	s.metrics.Predictions.Inc()
	s.metrics.PredictionLatency.Observe(time.Since(start).Seconds())
	return resp, nil
}

// featureValues 从请求得到具名特征：先提取原始结构，再用显式 Features 覆盖
func (s *PredictionService) featureValues(req *DeploymentRiskRequest) (map[string]float64, error) {
	if req == nil {
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeInvalidInput, "request is required")
	}
	if req.Deployment == nil && req.Features == nil {
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeInvalidInput,
			"request needs deployment data or features")
	}
	values := make(map[string]float64)
	if req.Deployment != nil {
		vec, err := s.extractor.Extract(req.recordInput())
		if err != nil {
			return nil, err
		}
		values = vec.Map()
	}
	maps.Copy(values, req.Features)
	return values, nil
}

func importances(m map[string]float64) []FeatureImportance {
	out := make([]FeatureImportance, 0, len(m))
	for name, v := range m {
		out = append(out, FeatureImportance{
			FeatureName:     name,
			ImportanceScore: v,
			FeatureCategory: feature.Category(name),
		})
	}
	slices.SortFunc(out, func(a, b FeatureImportance) int {
		if c := cmp.Compare(math.Abs(b.ImportanceScore), math.Abs(a.ImportanceScore)); c != 0 {
			return c
		}
		return cmp.Compare(a.FeatureName, b.FeatureName)
	})
	return out
}

// Reload 从存储加载模型并原子替换当前模型。
//
// 未设置 Force 时，若目标版本（Version 为空则为存储中的最新版本）已经加载，直接返回成功。
// 加载失败时保留当前模型，返回的 ReloadResult.Success 为 false。
func (s *PredictionService) Reload(ctx context.Context, req ReloadRequest) (*ReloadResult, error) {
	start := time.Now()
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	prev := s.current.Load()
	result := &ReloadResult{PreviousVersion: "none"}
	if prev != nil {
		result.PreviousVersion = prev.meta.Version
	}
	elapsed := func() float64 { return float64(time.Since(start).Microseconds()) / 1000 }
	fail := func(err error) (*ReloadResult, error) {
		result.Message = err.Error()
		result.ElapsedMS = elapsed()
		s.metrics.Reloads.WithLabelValues("failed").Inc()
		s.logger.Error("Model reload failed", "model_id", req.ModelID, "version", req.Version, "error", err)
		return result, err
	}

	id := cmp.Or(req.ModelID, s.defaultModelID)
	if id == "" {
		return fail(core.NewDomainError(core.ModuleService, core.ErrorCodeInvalidInput, "model id is required"))
	}
	version := req.Version
	if version == "" {
		latest, err := storage.FindVersion(ctx, s.storage, id, "")
		if err != nil {
			return fail(err)
		}
		version = latest.Version
	}

	if !req.Force && prev != nil && prev.meta.ModelID == id && prev.meta.Version == version {
		result.Success = true
		result.NewVersion = version
		result.Message = fmt.Sprintf("model %s v%s already loaded", id, version)
		result.ElapsedMS = elapsed()
		s.metrics.Reloads.WithLabelValues("unchanged").Inc()
		return result, nil
	}

	snap, err := s.load(ctx, id, version)
	if err != nil {
		return fail(err)
	}
	s.current.Store(snap)
	s.metrics.ModelLoaded.Set(1)
	s.metrics.Reloads.WithLabelValues("success").Inc()

	result.Success = true
	result.NewVersion = snap.meta.Version
	result.Message = fmt.Sprintf("reloaded model %s v%s", id, snap.meta.Version)
	result.ElapsedMS = elapsed()
	s.logger.Info("Model reloaded",
		"model_id", id,
		"previous_version", result.PreviousVersion,
		"new_version", result.NewVersion,
		"model_version", snap.model.Version(),
		"elapsed_ms", result.ElapsedMS)
	return result, nil
}

// load 读取并反序列化模型，不修改当前状态
func (s *PredictionService) load(ctx context.Context, id, version string) (*snapshot, error) {
	blob, meta, err := s.storage.LoadModel(ctx, id, version)
	if err != nil {
		return nil, err
	}
	m, err := model.Unmarshal(blob, s.modelOpts...)
	if err != nil {
		return nil, err
	}
	names := m.FeatureNames()
	if meta.FeatureCount > 0 && meta.FeatureCount != len(names) {
		return nil, core.NewDomainError(core.ModuleService, core.ErrorCodeCorruptModel,
			fmt.Sprintf("metadata declares %d features, model has %d", meta.FeatureCount, len(names)))
	}
	schemaVersion := cmp.Or(meta.SchemaVersion, feature.SchemaVersion)
	return &snapshot{
		model:    m,
		features: feature.NewFeatureMetadata(schemaVersion, names, m.Version()),
		meta:     meta,
		loadedAt: s.now(),
	}, nil
}

// AutoLoad 尽力加载默认模型的最新版本；失败只记录日志，服务保持 MODEL_NOT_READY 状态
func (s *PredictionService) AutoLoad(ctx context.Context) error {
	if s.defaultModelID == "" {
		s.logger.Warn("No default model configured, starting without a model")
		return nil
	}
	_, err := s.Reload(ctx, ReloadRequest{ModelID: s.defaultModelID})
	if err != nil {
		s.logger.Warn("Auto-load of default model failed", "model_id", s.defaultModelID, "error", err)
	}
	return err
}

// ModelInfo 当前加载模型的信息
func (s *PredictionService) ModelInfo() (*ModelInfo, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, core.ErrModelNotReady
	}
	info := &ModelInfo{
		ModelID:          snap.meta.ModelID,
		Version:          snap.meta.Version,
		ModelVersion:     snap.model.Version(),
		Algorithm:        snap.model.Name(),
		SchemaVersion:    snap.features.SchemaVersion,
		FeatureNames:     snap.model.FeatureNames(),
		Status:           snap.meta.Status,
		Metrics:          maps.Clone(snap.meta.PerformanceMetrics),
		GlobalImportance: snap.model.GlobalImportance(),
		HasAttribution:   snap.model.HasAttribution(),
		LoadedAt:         snap.loadedAt,
	}
	return info, nil
}

// ListModels 列出存储中的模型版本；modelID 为空时列出全部
func (s *PredictionService) ListModels(ctx context.Context, modelID string) ([]ModelSummary, error) {
	metas, err := s.storage.ListModels(ctx, modelID)
	if err != nil {
		return nil, err
	}
	snap := s.current.Load()
	out := make([]ModelSummary, len(metas))
	for i, m := range metas {
		out[i] = ModelSummary{
			ModelID:            m.ModelID,
			Version:            m.Version,
			SemanticVersion:    m.SemanticVersion,
			Algorithm:          m.Algorithm,
			TrainingTimestamp:  m.TrainingTimestamp,
			ModelSizeBytes:     m.ModelSizeBytes,
			PerformanceMetrics: m.PerformanceMetrics,
			Status:             m.Status,
			Loaded:             snap != nil && snap.meta.ModelID == m.ModelID && snap.meta.Version == m.Version,
		}
	}
	return out, nil
}

func errorCode(err error) string {
	if d := core.GetDomainError(err); d != nil {
		return d.Code
	}
	return "INTERNAL"
}
