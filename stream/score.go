package stream

import (
	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/pkg/conv"
)

// 目标分来源
const (
	ScoreSourceUserAdjustment = "user_adjustment"
	ScoreSourceRisk           = "risk_score"
	ScoreSourceCurrent        = "current_risk_score"
	ScoreSourceDeployment     = "deployment_risk_score"
	ScoreSourceBaseline       = "baseline"
)

// ScoreSelection 是一条记录的有效目标分
type ScoreSelection struct {
	// Score 为 nil 表示没有可用分数，由基线计算器补齐
	Score *float64
	// UserAdjusted 分数是否来自有效的用户排序调整
	UserAdjusted bool
	// Source 分数来源
	Source string
}

// EffectiveScore 按优先级选择记录的目标分：
//
//  1. risk.user_ranking_adjustment.adjusted_score（仅当 last_adjusted.seconds != 0）
//  2. risk.score
//  3. current_risk_score
//  4. deployment.riskScore
//  5. nil（基线）
//
// 每一层都同时接受 snake_case 和 camelCase 字段名。
func EffectiveScore(rec core.RawRecord) ScoreSelection {
	root := map[string]any(rec)
	if result := conv.Map(root, "result"); result != nil {
		root = result
	}

	if risk := conv.Map(root, "risk"); risk != nil {
		if adj := conv.Map(risk, "user_ranking_adjustment"); adj != nil && adjustmentActive(adj) {
			if s, ok := floatField(adj, "adjusted_score"); ok {
				return ScoreSelection{Score: &s, UserAdjusted: true, Source: ScoreSourceUserAdjustment}
			}
		}
		if s, ok := floatField(risk, "score"); ok {
			return ScoreSelection{Score: &s, Source: ScoreSourceRisk}
		}
	}
	if s, ok := floatField(root, "current_risk_score"); ok {
		return ScoreSelection{Score: &s, Source: ScoreSourceCurrent}
	}
	if dep := conv.Map(root, "deployment", "deployment_data"); dep != nil {
		if s, ok := floatField(dep, "risk_score"); ok {
			return ScoreSelection{Score: &s, Source: ScoreSourceDeployment}
		}
	}
	return ScoreSelection{Source: ScoreSourceBaseline}
}

// adjustmentActive 调整时间戳为 0 或缺失的调整视为不存在
func adjustmentActive(adj map[string]any) bool {
	v, ok := conv.Lookup(adj, "last_adjusted")
	if !ok {
		return false
	}
	switch ts := v.(type) {
	case map[string]any:
		seconds, _ := conv.ToFloat64(ts["seconds"])
		return seconds != 0
	case string:
		t, ok := conv.ToTime(ts)
		return ok && t.Unix() != 0
	default:
		seconds, _ := conv.ToFloat64(ts)
		return seconds != 0
	}
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := conv.Lookup(m, key)
	if !ok {
		return 0, false
	}
	return conv.ToFloat64(v)
}
