package training

import (
	"context"
	"iter"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/stream"
)

// BaselineSampleSize 基线复现检查最多使用的记录数
const BaselineSampleSize = 100

// 基线复现评级
const (
	AssessmentExcellent  = "EXCELLENT"
	AssessmentGood       = "GOOD"
	AssessmentAcceptable = "ACCEPTABLE"
	AssessmentPoor       = "POOR"
)

// BaselineReport 基线公式复现结果：用 BaselineCalculator 重新计算的总分与记录自带分数的对比
type BaselineReport struct {
	Samples     int     `json:"samples"`
	MaxAbsDiff  float64 `json:"max_abs_diff"`
	MeanAbsDiff float64 `json:"mean_abs_diff"`
	Correlation float64 `json:"correlation"`
	Assessment  string  `json:"assessment"`
	Valid       bool    `json:"valid"`
}

// CheckBaseline 对带参考分的记录重新计算基线总分并对比。
// 没有参考分的记录（目标本身来自基线）和无法解析的记录被跳过；全部被跳过时返回 INVALID_INPUT。
func CheckBaseline(calc *feature.BaselineCalculator, records []core.RawRecord) (*BaselineReport, error) {
	var want, got []float64
	for _, rec := range records {
		if len(want) >= BaselineSampleSize {
			break
		}
		in, err := stream.SplitRecord(rec)
		if err != nil || in.RiskScore == nil {
			continue
		}
		factors, err := calc.Calculate(in.RecordInput)
		if err != nil {
			continue
		}
		want = append(want, *in.RiskScore)
		got = append(got, factors.OverallScore)
	}
	if len(want) == 0 {
		return nil, core.NewDomainError(core.ModuleTraining, core.ErrorCodeInvalidInput,
			"no records with a reference score for baseline check")
	}

	report := &BaselineReport{Samples: len(want)}
	var sum float64
	for i := range want {
		d := math.Abs(got[i] - want[i])
		sum += d
		report.MaxAbsDiff = math.Max(report.MaxAbsDiff, d)
	}
	report.MeanAbsDiff = sum / float64(len(want))
	report.Correlation = finite(stat.Correlation(got, want, nil))
	if report.MaxAbsDiff == 0 {
		report.Correlation = 1
	}
	report.Assessment = assess(report)
	report.Valid = report.Assessment != AssessmentPoor
	return report, nil
}

func assess(r *BaselineReport) string {
	switch {
	case r.Correlation >= 0.95 && r.MeanAbsDiff <= 0.1:
		return AssessmentExcellent
	case r.Correlation >= 0.9:
		return AssessmentGood
	case r.Correlation >= 0.7:
		return AssessmentAcceptable
	default:
		return AssessmentPoor
	}
}

// recordingSource 在转发记录的同时保留前 size 条原始部署记录，供基线检查使用
type recordingSource struct {
	core.StreamSource
	size int

	mu      sync.Mutex
	records []core.RawRecord
}

func newRecordingSource(src core.StreamSource, size int) *recordingSource {
	return &recordingSource{StreamSource: src, size: size}
}

func (r *recordingSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		for rec, err := range r.StreamSource.StreamSamples(ctx, filters, limit) {
			if err == nil && !stream.IsProcessedRecord(rec) {
				r.keep(rec)
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

func (r *recordingSource) keep(rec core.RawRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) < r.size {
		r.records = append(r.records, rec)
	}
}

// Records 已保留的记录
func (r *recordingSource) Records() []core.RawRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}
