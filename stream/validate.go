package stream

import (
	"fmt"
	"math"

	"github.com/rushteam/riskrank/feature"
)

// maxIssueRatio 允许的问题样本比例
const maxIssueRatio = 0.1

// ValidationReport 训练数据质量报告
type ValidationReport struct {
	Valid              bool                       `json:"valid"`
	Error              string                     `json:"error,omitempty"`
	TotalSamples       int                        `json:"total_samples"`
	FeatureConsistency bool                       `json:"feature_consistency"`
	RiskScoreStats     *feature.FeatureStatistics `json:"risk_score_stats,omitempty"`
	UserAdjusted       int                        `json:"user_adjusted"`
	Issues             []string                   `json:"issues"`
}

// ValidateTrainingData 检查样本的特征一致性和目标分合法性（目标分必须为正的有限数）。
// 问题样本少于 10% 时仍视为有效。
func ValidateTrainingData(samples []*feature.TrainingSample) *ValidationReport {
	if len(samples) == 0 {
		return &ValidationReport{Valid: false, Error: "no training samples provided"}
	}
	report := &ValidationReport{
		Valid:              true,
		TotalSamples:       len(samples),
		FeatureConsistency: true,
		Issues:             []string{},
	}

	var (
		schema *feature.Schema
		scores []float64
	)
	for i, s := range samples {
		if s == nil {
			report.Issues = append(report.Issues, fmt.Sprintf("sample %d: nil", i))
			continue
		}
		sc := s.Features.Schema()
		if sc == nil {
			report.Issues = append(report.Issues, fmt.Sprintf("sample %d: missing features", i))
			continue
		}
		if schema == nil {
			schema = sc
		} else if !schema.Equal(sc.Names()) {
			report.FeatureConsistency = false
			report.Issues = append(report.Issues, fmt.Sprintf("sample %d: inconsistent feature names", i))
		}
		if s.RiskScore > 0 && !math.IsInf(s.RiskScore, 0) && !math.IsNaN(s.RiskScore) {
			scores = append(scores, s.RiskScore)
		} else {
			report.Issues = append(report.Issues, fmt.Sprintf("sample %d: invalid risk score %v", i, s.RiskScore))
		}
		if s.HasUserAdjustment {
			report.UserAdjusted++
		}
	}
	if len(scores) > 0 {
		report.RiskScoreStats = feature.ComputeStatistics(scores)
	}
	if len(report.Issues) > 0 {
		report.Valid = float64(len(report.Issues)) < float64(len(samples))*maxIssueRatio
	}
	return report
}
