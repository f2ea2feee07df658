// Package training 驱动一次完整的训练：采集样本 → 数据校验 → 组装排序数据集 → 训练 →
// 基线复现检查 → 评估 → 写入模型存储。
//
// 使用示例：
//
//	o := training.NewOrchestrator(store,
//		training.WithModelID("deployment-risk"),
//		training.WithMaxRows(50000),
//	)
//	result, err := o.RunFromFile(ctx, "training.json")
package training

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/model"
	"github.com/rushteam/riskrank/pkg/dsl"
	"github.com/rushteam/riskrank/storage"
	"github.com/rushteam/riskrank/stream"
)

// DefaultModelID 未配置模型 id 时使用
const DefaultModelID = "deployment-risk"

// versionLayout 存储版本号的时间格式
const versionLayout = "20060102_150405"

// Result 一次训练的结果。失败时 Success 为 false，Error 给出原因，指标为空。
type Result struct {
	Success         bool                     `json:"success"`
	ModelID         string                   `json:"model_id"`
	Version         string                   `json:"version,omitempty"`
	SemanticVersion string                   `json:"semantic_version,omitempty"`
	ModelVersion    string                   `json:"model_version,omitempty"`
	RunID           string                   `json:"training_run_id"`
	Persisted       bool                     `json:"persisted"`
	Metrics         map[string]float64       `json:"metrics"`
	Importance      map[string]float64       `json:"feature_importance"`
	Stream          stream.Stats             `json:"stream"`
	Validation      *stream.ValidationReport `json:"data_validation,omitempty"`
	Baseline        *BaselineReport          `json:"baseline_validation,omitempty"`
	Evaluation      *Evaluation              `json:"evaluation,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

// Orchestrator 训练编排器
type Orchestrator struct {
	storage       core.ModelStorage
	modelID       string
	modelOpts     []model.Option
	extractor     *feature.FeatureExtractor
	filter        *dsl.Filter
	filters       core.Filters
	maxRows       int
	baselineCheck bool
	streamMetrics *stream.Metrics
	config        map[string]any
	createdBy     string
	logger        *slog.Logger
	now           func() time.Time
}

// Option 编排器配置选项
type Option func(*Orchestrator)

// WithModelID 设置写入存储的模型 id
func WithModelID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.modelID = id
		}
	}
}

// WithModelOptions 设置训练模型的参数
func WithModelOptions(opts ...model.Option) Option {
	return func(o *Orchestrator) { o.modelOpts = append(o.modelOpts, opts...) }
}

// WithExtractor 设置特征提取器
func WithExtractor(e *feature.FeatureExtractor) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.extractor = e
		}
	}
}

// WithRecordFilter 设置 CEL 记录过滤器
func WithRecordFilter(f *dsl.Filter) Option {
	return func(o *Orchestrator) { o.filter = f }
}

// WithFilters 设置数据源过滤条件
func WithFilters(f core.Filters) Option {
	return func(o *Orchestrator) { o.filters = f }
}

// WithMaxRows 训练样本上限，<= 0 表示不限制
func WithMaxRows(n int) Option {
	return func(o *Orchestrator) { o.maxRows = n }
}

// WithBaselineCheck 是否执行基线复现检查（默认开启）
func WithBaselineCheck(on bool) Option {
	return func(o *Orchestrator) { o.baselineCheck = on }
}

// WithStreamMetrics 设置样本流指标
func WithStreamMetrics(m *stream.Metrics) Option {
	return func(o *Orchestrator) { o.streamMetrics = m }
}

// WithConfigSnapshot 设置写入模型元数据的配置快照
func WithConfigSnapshot(cfg map[string]any) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithCreatedBy 设置元数据中的 created_by
func WithCreatedBy(who string) Option {
	return func(o *Orchestrator) { o.createdBy = who }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(s core.ModelStorage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:       s,
		modelID:       DefaultModelID,
		baselineCheck: true,
		createdBy:     "riskrank-train",
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extractor == nil {
		o.extractor = feature.NewFeatureExtractor(feature.WithExtractorClock(o.now))
	}
	o.logger = o.logger.With("component", "training")
	return o
}

// RunFromFile 从本地文件训练：.jsonl / .ndjson 按行读取，其余按 JSON 文档读取
func (o *Orchestrator) RunFromFile(ctx context.Context, path string) (*Result, error) {
	var src core.StreamSource
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		src = stream.NewJSONLinesFileSource(path, stream.WithFileLogger(o.logger))
	default:
		src = stream.NewJSONFileSource(path, stream.WithFileLogger(o.logger))
	}
	return o.Run(ctx, src)
}

// Run 从数据源采集样本并训练。
//
// 除 ctx 取消外，任何失败都体现在 Result（Success=false）中，error 只在 ctx 结束时返回。
// 目标分只有一个取值时训练被跳过：Success=true，指标为零，不写入存储。
func (o *Orchestrator) Run(ctx context.Context, src core.StreamSource) (*Result, error) {
	start := o.now()
	result := &Result{
		ModelID:    o.modelID,
		RunID:      uuid.NewString(),
		Metrics:    map[string]float64{},
		Importance: map[string]float64{},
	}
	logger := o.logger.With("training_run_id", result.RunID, "source", src.Name())
	fail := func(stage string, err error) (*Result, error) {
		result.Success = false
		result.Persisted = false
		result.Metrics = map[string]float64{}
		result.Importance = map[string]float64{}
		result.Error = fmt.Sprintf("%s: %v", stage, err)
		logger.Error("Training failed", "stage", stage, "error", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, nil
	}
	logger.Info("Training started", "model_id", o.modelID, "max_rows", o.maxRows)

	recorder := newRecordingSource(src, BaselineSampleSize)
	opts := []stream.SampleStreamOption{
		stream.WithExtractor(o.extractor),
		stream.WithStreamLogger(logger),
		stream.WithStreamMetrics(o.streamMetrics),
	}
	if o.filter != nil {
		opts = append(opts, stream.WithRecordFilter(o.filter))
	}
	ss := stream.NewSampleStream(recorder, opts...)
	defer ss.Close()

	samples, err := ss.Collect(ctx, o.filters, o.maxRows)
	result.Stream = ss.Stats()
	if err != nil {
		return fail("collect", err)
	}

	result.Validation = stream.ValidateTrainingData(samples)
	if !result.Validation.Valid {
		msg := result.Validation.Error
		if msg == "" {
			msg = fmt.Sprintf("%d of %d samples have issues", len(result.Validation.Issues), result.Validation.TotalSamples)
		}
		return fail("validate", errors.New(msg))
	}

	ds, err := stream.CreateRankingDataset(samples)
	if err != nil {
		return fail("dataset", err)
	}
	logger.Info("Ranking dataset ready", "rows", ds.Len(), "groups", len(ds.Groups), "features", len(ds.FeatureNames))

	m := model.NewRankingModel(append([]model.Option{
		model.WithModelLogger(logger),
		model.WithModelClock(o.now),
	}, o.modelOpts...)...)
	trained, err := m.Train(ds.X, ds.Y, ds.Groups, ds.FeatureNames)
	if err != nil {
		return fail("train", err)
	}
	if trained.Degenerate {
		logger.Warn("Training skipped, all target scores are identical", "rows", ds.Len())
		result.Success = true
		return result, nil
	}
	result.ModelVersion = trained.ModelVersion
	result.Importance = maps.Clone(trained.FeatureImportance)
	maps.Copy(result.Metrics, trained.Metrics())

	if o.baselineCheck {
		report, err := CheckBaseline(o.extractor.Baseline(), recorder.Records())
		switch {
		case err != nil:
			logger.Warn("Baseline check skipped", "error", err)
		case !report.Valid:
			logger.Warn("Baseline reproduction is poor", "assessment", report.Assessment,
				"correlation", report.Correlation, "mean_abs_diff", report.MeanAbsDiff)
		default:
			logger.Info("Baseline reproduction checked", "assessment", report.Assessment, "samples", report.Samples)
		}
		result.Baseline = report
	}

	eval, err := ValidatePredictions(m, ds.X, ds.Y, ds.Groups)
	if err != nil {
		return fail("evaluate", err)
	}
	result.Evaluation = eval
	maps.Copy(result.Metrics, eval.Metrics())

	meta, err := o.metadata(ctx, m, ds, result)
	if err != nil {
		return fail("metadata", err)
	}
	blob, err := m.Marshal()
	if err != nil {
		return fail("marshal", err)
	}
	if err := o.storage.SaveModel(ctx, blob, meta); err != nil {
		return fail("save", err)
	}

	result.Success = true
	result.Persisted = true
	result.Version = meta.Version
	result.SemanticVersion = meta.SemanticVersion
	logger.Info("Training completed",
		"model_id", meta.ModelID,
		"version", meta.Version,
		"semantic_version", meta.SemanticVersion,
		"parent_version", meta.ParentVersion,
		"val_ndcg", trained.ValNDCG,
		"elapsed", o.now().Sub(start))
	return result, nil
}

// metadata 组装新版本的元数据：版本号取训练时间，语义化版本为已有最大版本的补丁号加一
func (o *Orchestrator) metadata(ctx context.Context, m *model.RankingModel, ds *stream.RankingDataset, result *Result) (*core.ModelMetadata, error) {
	var parent string
	latest, err := storage.FindVersion(ctx, o.storage, o.modelID, "")
	switch {
	case err == nil:
		parent = latest.Version
	case !core.IsNotFound(err):
		return nil, err
	}
	latestSemantic, err := storage.LatestSemanticVersion(ctx, o.storage, o.modelID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	version := now.Format(versionLayout)
	exists, err := o.storage.ModelExists(ctx, o.modelID, version)
	if err != nil {
		return nil, err
	}
	if exists {
		version += "_" + result.RunID[:8]
	}

	cfg := map[string]any{
		"model": m.Params(),
		"data": map[string]any{
			"rows":           ds.Len(),
			"groups":         len(ds.Groups),
			"clusters":       ds.ClusterIDs,
			"max_rows":       o.maxRows,
			"schema_version": ds.SchemaVersion,
		},
	}
	if o.config != nil {
		cfg["training"] = o.config
	}
	if o.filter != nil {
		cfg["record_filter"] = o.filter.String()
	}

	return &core.ModelMetadata{
		ModelID:            o.modelID,
		Version:            version,
		SemanticVersion:    storage.NextSemanticVersion(latestSemantic),
		Algorithm:          m.Name(),
		FeatureCount:       len(ds.FeatureNames),
		SchemaVersion:      cmp.Or(ds.SchemaVersion, feature.SchemaVersion),
		TrainingTimestamp:  now.Format(time.RFC3339),
		FileExtension:      model.FileExtension,
		PerformanceMetrics: maps.Clone(result.Metrics),
		Config:             cfg,
		Tags:               map[string]string{"model_version": m.Version()},
		Description:        fmt.Sprintf("trained on %d samples from %d clusters", ds.Len(), len(ds.Groups)),
		CreatedBy:          o.createdBy,
		Status:             core.StatusProduction,
		ParentVersion:      parent,
		TrainingRunID:      result.RunID,
	}, nil
}
