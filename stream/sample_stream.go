package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/pkg/dsl"
)

// Stats 样本流的运行计数
type Stats struct {
	Total            int     `json:"total"`
	Successful       int     `json:"successful"`
	Failed           int     `json:"failed"`
	Filtered         int     `json:"filtered"`
	UserAdjusted     int     `json:"user_adjusted"`
	MLScore          int     `json:"ml_score"`
	Baseline         int     `json:"baseline"`
	AccumulatedScore float64 `json:"accumulated_score"`
	MinScore         float64 `json:"min_score"`
	MaxScore         float64 `json:"max_score"`
}

// MeanScore 成功样本的平均目标分
func (s Stats) MeanScore() float64 {
	if s.Successful == 0 {
		return 0
	}
	return s.AccumulatedScore / float64(s.Successful)
}

// SampleStream 把 StreamSource 和 FeatureExtractor 组合成训练样本流（单消费者）。
//
// 对每条原始记录：识别形态 → 选择有效目标分 → 特征提取。单条记录的任何失败只记日志并计入 Failed，
// 不会中断整个流；只有数据源级别的传输/结构错误会通过序列的 error 传出。
type SampleStream struct {
	source    core.StreamSource
	extractor *feature.FeatureExtractor
	filter    *dsl.Filter
	logger    *slog.Logger
	metrics   *Metrics

	mu    sync.Mutex
	stats Stats
}

// SampleStreamOption 样本流配置选项
type SampleStreamOption func(*SampleStream)

// WithExtractor 设置特征提取器
func WithExtractor(e *feature.FeatureExtractor) SampleStreamOption {
	return func(s *SampleStream) {
		if e != nil {
			s.extractor = e
		}
	}
}

// WithRecordFilter 设置 CEL 记录过滤器，不匹配的记录被丢弃（计入 Filtered）
func WithRecordFilter(f *dsl.Filter) SampleStreamOption {
	return func(s *SampleStream) { s.filter = f }
}

// WithStreamLogger 设置日志
func WithStreamLogger(l *slog.Logger) SampleStreamOption {
	return func(s *SampleStream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStreamMetrics 设置监控指标
func WithStreamMetrics(m *Metrics) SampleStreamOption {
	return func(s *SampleStream) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSampleStream 创建样本流
func NewSampleStream(source core.StreamSource, opts ...SampleStreamOption) *SampleStream {
	s := &SampleStream{source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.extractor == nil {
		s.extractor = feature.NewFeatureExtractor()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Source 返回底层数据源
func (s *SampleStream) Source() core.StreamSource { return s.source }

// Extractor 返回特征提取器
func (s *SampleStream) Extractor() *feature.FeatureExtractor { return s.extractor }

// Samples 返回训练样本的惰性序列，limit 限制成功样本数（<= 0 不限制）。
// 每次调用重置计数，序列结束时输出汇总日志。
func (s *SampleStream) Samples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[*feature.TrainingSample, error] {
	return func(yield func(*feature.TrainingSample, error) bool) {
		s.mu.Lock()
		s.stats = Stats{MinScore: math.Inf(1), MaxScore: math.Inf(-1)}
		s.mu.Unlock()
		defer s.logSummary()

		for rec, err := range s.source.StreamSamples(ctx, filters, 0) {
			if err != nil {
				s.logger.Error("sample stream aborted", "source", s.source.Name(), "error", err)
				yield(nil, err)
				return
			}
			sample, ok := s.process(rec)
			if !ok {
				continue
			}
			if !yield(sample, nil) {
				return
			}
			if limit > 0 && s.Stats().Successful >= limit {
				s.logger.Info("sample stream reached limit", "limit", limit)
				return
			}
		}
	}
}

// Collect 收集全部样本
func (s *SampleStream) Collect(ctx context.Context, filters core.Filters, limit int) ([]*feature.TrainingSample, error) {
	var samples []*feature.TrainingSample
	for sample, err := range s.Samples(ctx, filters, limit) {
		if err != nil {
			return samples, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// Stats 返回当前计数快照
func (s *SampleStream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.Successful == 0 {
		st.MinScore, st.MaxScore = 0, 0
	}
	return st
}

// Close 关闭底层数据源
func (s *SampleStream) Close() error {
	return s.source.Close()
}

// process 处理单条记录，失败时记日志并返回 false
func (s *SampleStream) process(rec core.RawRecord) (sample *feature.TrainingSample, ok bool) {
	s.mu.Lock()
	s.stats.Total++
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.fail(rec, fmt.Errorf("panic: %v", r))
			sample, ok = nil, false
		}
	}()

	if s.filter != nil {
		match, err := s.filter.Match(filterVars(rec))
		if err != nil {
			s.fail(rec, err)
			return nil, false
		}
		if !match {
			s.mu.Lock()
			s.stats.Filtered++
			s.mu.Unlock()
			s.metrics.RecordsFiltered.Inc()
			return nil, false
		}
	}

	var err error
	if IsProcessedRecord(rec) {
		sample, err = feature.SampleFromProcessed(s.extractor.Schema(), rec)
	} else {
		var in feature.ExtractInput
		if in, err = SplitRecord(rec); err == nil {
			sample, err = s.extractor.CreateTrainingSample(in)
		}
	}
	if err != nil {
		s.fail(rec, err)
		return nil, false
	}

	s.succeed(sample)
	return sample, true
}

func (s *SampleStream) fail(rec core.RawRecord, err error) {
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()
	s.metrics.RecordsFailed.WithLabelValues(s.source.Name()).Inc()
	s.logger.Warn("skip record", "deployment_id", DeploymentID(rec), "error", err)
}

func (s *SampleStream) succeed(sample *feature.TrainingSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.stats
	st.Successful++
	switch {
	case sample.HasUserAdjustment:
		st.UserAdjusted++
	case sample.Baseline != nil:
		st.Baseline++
		st.MLScore++
	default:
		st.MLScore++
	}
	st.AccumulatedScore += sample.RiskScore
	st.MinScore = math.Min(st.MinScore, sample.RiskScore)
	st.MaxScore = math.Max(st.MaxScore, sample.RiskScore)
	s.metrics.RecordsTotal.WithLabelValues(s.source.Name()).Inc()
}

func (s *SampleStream) logSummary() {
	st := s.Stats()
	if st.Total == 0 {
		s.logger.Warn("sample stream produced no records", "source", s.source.Name())
		return
	}
	s.logger.Info("sample stream finished",
		"source", s.source.Name(),
		"total", st.Total,
		"successful", st.Successful,
		"failed", st.Failed,
		"filtered", st.Filtered,
		"user_adjusted", st.UserAdjusted,
		"ml_score", st.MLScore,
		"baseline", st.Baseline,
		"mean_score", st.MeanScore(),
		"min_score", st.MinScore,
		"max_score", st.MaxScore,
	)
}
