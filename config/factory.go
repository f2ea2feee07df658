package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/model"
	"github.com/rushteam/riskrank/pkg/dsl"
	"github.com/rushteam/riskrank/service"
	"github.com/rushteam/riskrank/storage"
	"github.com/rushteam/riskrank/store"
	"github.com/rushteam/riskrank/stream"
	"github.com/rushteam/riskrank/training"
)

// Factory 根据配置构建各组件，持有需要在退出时关闭的资源
type Factory struct {
	cfg        *Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	now        func() time.Time

	metricsOnce   sync.Once
	streamMetrics *stream.Metrics
	predMetrics   *service.Metrics

	mu      sync.Mutex
	closers []io.Closer
}

// FactoryOption 工厂配置选项
type FactoryOption func(*Factory)

// WithFactoryLogger 设置各组件使用的日志
func WithFactoryLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRegisterer 设置 Prometheus 注册器，为 nil 时指标不注册
func WithRegisterer(reg prometheus.Registerer) FactoryOption {
	return func(f *Factory) { f.registerer = reg }
}

// WithFactoryClock 设置时钟（测试用）
func WithFactoryClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

func NewFactory(cfg *Config, opts ...FactoryOption) *Factory {
	f := &Factory{cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config 工厂使用的配置
func (f *Factory) Config() *Config { return f.cfg }

// Logger 工厂使用的日志
func (f *Factory) Logger() *slog.Logger { return f.logger }

func (f *Factory) metrics() {
	f.metricsOnce.Do(func() {
		f.streamMetrics = stream.NewMetrics(f.registerer)
		f.predMetrics = service.NewMetrics(f.registerer)
	})
}

// Source 按 data.source 构建训练数据源
func (f *Factory) Source() (core.StreamSource, error) {
	b, err := lookupSource(f.cfg.Data.Source)
	if err != nil {
		return nil, err
	}
	return b(f)
}

func buildFileSource(f *Factory) (core.StreamSource, error) {
	if f.cfg.Data.File == "" {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "data.file is required for the file source")
	}
	return stream.NewJSONFileSource(f.cfg.Data.File, stream.WithFileLogger(f.logger)), nil
}

func buildHTTPSource(f *Factory) (core.StreamSource, error) {
	f.metrics()
	hc := f.cfg.Data.HTTP
	opts := []stream.HTTPOption{
		stream.WithLogger(f.logger),
		stream.WithMetrics(f.streamMetrics),
		stream.WithAuxiliaryStreams(hc.Alerts, hc.Policies),
		stream.WithInsecureSkipVerify(hc.InsecureSkipVerify),
	}
	if hc.APIToken != "" {
		opts = append(opts, stream.WithBearerToken(hc.APIToken))
	}
	if hc.CertFile != "" || hc.CAFile != "" {
		opts = append(opts, stream.WithClientCertificate(hc.CertFile, hc.KeyFile, hc.CAFile))
	}
	if hc.Timeout > 0 {
		opts = append(opts, stream.WithTimeout(hc.Timeout))
	}
	if hc.RetryAttempts > 0 {
		initial := hc.RetryInitial
		if initial <= 0 {
			initial = time.Second
		}
		maxBackoff := hc.RetryMax
		if maxBackoff <= 0 {
			maxBackoff = 30 * time.Second
		}
		opts = append(opts, stream.WithRetry(hc.RetryAttempts, initial, maxBackoff))
	}
	if hc.CollectorTimeout > 0 {
		opts = append(opts, stream.WithCollectorTimeout(hc.CollectorTimeout))
	}
	if hc.AlertCacheSize > 0 {
		opts = append(opts, stream.WithAlertCacheSize(hc.AlertCacheSize))
	}
	return stream.NewHTTPExportSource(hc.Endpoint, opts...)
}

func buildGeneratedSource(f *Factory) (core.StreamSource, error) {
	g := f.cfg.Data.Generate
	return stream.NewGenerator(g.Seed, g.Clusters, f.now()).Source(g.Samples), nil
}

// Filters 导出接口查询条件
func (f *Factory) Filters() core.Filters {
	fc := f.cfg.Data.Filters
	return core.Filters{
		Cluster:   fc.Cluster,
		Namespace: fc.Namespace,
		MinCVSS:   fc.MinCVSS,
		Active:    fc.Active,
		VulnState: fc.VulnState,
	}
}

// RecordFilter 编译 data.filter，未配置时返回 nil
func (f *Factory) RecordFilter() (*dsl.Filter, error) {
	if f.cfg.Data.Filter == "" {
		return nil, nil
	}
	filter, err := dsl.Compile(f.cfg.Data.Filter)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput, "compile data.filter", err)
	}
	return filter, nil
}

// ModelOptions 由 model 段生成模型选项，零值字段不覆盖模型默认值
func (f *Factory) ModelOptions() []model.Option {
	mc := f.cfg.Model
	opts := []model.Option{model.WithModelLogger(f.logger)}
	if mc.Algorithm != "" {
		opts = append(opts, model.WithAlgorithm(mc.Algorithm))
	}
	if mc.Trees > 0 {
		opts = append(opts, model.WithTrees(mc.Trees))
	}
	if mc.MaxDepth > 0 {
		opts = append(opts, model.WithMaxDepth(mc.MaxDepth))
	}
	if mc.MinSamplesLeaf > 0 {
		opts = append(opts, model.WithMinSamplesLeaf(mc.MinSamplesLeaf))
	}
	if mc.LearningRate > 0 {
		opts = append(opts, model.WithLearningRate(mc.LearningRate))
	}
	if mc.FeatureFraction > 0 {
		opts = append(opts, model.WithFeatureFraction(mc.FeatureFraction))
	}
	if mc.ValidationFraction > 0 {
		opts = append(opts, model.WithValidationFraction(mc.ValidationFraction))
	}
	if mc.EarlyStopping > 0 {
		opts = append(opts, model.WithEarlyStopping(mc.EarlyStopping))
	}
	if mc.Seed != nil {
		opts = append(opts, model.WithSeed(*mc.Seed))
	}
	if mc.RankLabels != nil {
		opts = append(opts, model.WithRankLabels(*mc.RankLabels))
	}
	if mc.Attribution != nil {
		opts = append(opts, model.WithAttribution(*mc.Attribution))
	}
	if mc.TopFeatures > 0 {
		opts = append(opts, model.WithTopFeatures(mc.TopFeatures))
	}
	return opts
}

// Storage 构建模型存储；配置了 backup 时返回主备 Manager
func (f *Factory) Storage(ctx context.Context) (core.ModelStorage, error) {
	primary, err := f.buildStorage(ctx, f.cfg.Storage)
	if err != nil {
		return nil, err
	}
	if f.cfg.Storage.Backup == nil {
		return primary, nil
	}
	backup, err := f.buildStorage(ctx, *f.cfg.Storage.Backup)
	if err != nil {
		return nil, fmt.Errorf("backup storage: %w", err)
	}
	return storage.NewManager(primary,
		storage.WithBackup(backup),
		storage.WithManagerLogger(f.logger),
	), nil
}

func (f *Factory) buildStorage(ctx context.Context, sc StorageConfig) (core.ModelStorage, error) {
	opts := []storage.Option{storage.WithLogger(f.logger), storage.WithClock(f.now)}
	switch sc.Backend {
	case BackendLocal:
		return storage.NewLocalStorage(sc.Root, opts...)
	case BackendRedis:
		rs, err := store.NewRedisObjectStore(ctx, sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB,
			store.WithKeyPrefix(sc.Redis.KeyPrefix))
		if err != nil {
			return nil, err
		}
		s := storage.NewObjectStorage(rs, sc.Prefix, opts...)
		f.track(s)
		return s, nil
	case BackendMemory:
		return storage.NewObjectStorage(store.NewMemoryObjectStore(), sc.Prefix, opts...), nil
	}
	return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
		fmt.Sprintf("unsupported storage backend %q", sc.Backend))
}

// Orchestrator 构建训练编排器
func (f *Factory) Orchestrator(ctx context.Context) (*training.Orchestrator, error) {
	s, err := f.Storage(ctx)
	if err != nil {
		return nil, err
	}
	filter, err := f.RecordFilter()
	if err != nil {
		return nil, err
	}
	f.metrics()
	tc := f.cfg.Training
	opts := []training.Option{
		training.WithModelID(tc.ModelID),
		training.WithModelOptions(f.ModelOptions()...),
		training.WithExtractor(feature.NewFeatureExtractor(feature.WithExtractorClock(f.now))),
		training.WithRecordFilter(filter),
		training.WithFilters(f.Filters()),
		training.WithMaxRows(f.cfg.Data.MaxRows),
		training.WithStreamMetrics(f.streamMetrics),
		training.WithConfigSnapshot(f.cfg.Snapshot()),
		training.WithLogger(f.logger),
		training.WithClock(f.now),
	}
	if tc.BaselineCheck != nil {
		opts = append(opts, training.WithBaselineCheck(*tc.BaselineCheck))
	}
	if tc.CreatedBy != "" {
		opts = append(opts, training.WithCreatedBy(tc.CreatedBy))
	}
	return training.NewOrchestrator(s, opts...), nil
}

// PredictionService 构建预测服务（不加载模型）
func (f *Factory) PredictionService(ctx context.Context) (*service.PredictionService, error) {
	s, err := f.Storage(ctx)
	if err != nil {
		return nil, err
	}
	f.metrics()
	var modelOpts []model.Option
	if f.cfg.Model.TopFeatures > 0 {
		modelOpts = append(modelOpts, model.WithTopFeatures(f.cfg.Model.TopFeatures))
	}
	return service.NewPredictionService(s,
		service.WithDefaultModelID(f.cfg.Server.DefaultModelID),
		service.WithModelOptions(modelOpts...),
		service.WithMetrics(f.predMetrics),
		service.WithLogger(f.logger),
	), nil
}

func (f *Factory) track(c io.Closer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, c)
}

// Close 关闭工厂创建的外部连接
func (f *Factory) Close() error {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
