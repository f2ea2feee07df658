package stream

import (
	"testing"

	"github.com/rushteam/riskrank/core"
)

func exportRecord(risk map[string]any) core.RawRecord {
	result := map[string]any{
		"deployment": map[string]any{"id": "dep-1", "name": "api", "namespace": "shop"},
		"images":     []any{},
	}
	if risk != nil {
		result["risk"] = risk
	}
	return core.RawRecord{"result": result, "workload_cvss": 5.5}
}

func TestEffectiveScore(t *testing.T) {
	tests := []struct {
		name         string
		rec          core.RawRecord
		wantScore    *float64
		wantAdjusted bool
		wantSource   string
	}{
		{
			name: "active user adjustment wins",
			rec: exportRecord(map[string]any{
				"score": 3.5,
				"user_ranking_adjustment": map[string]any{
					"adjusted_score": 7.2,
					"last_adjusted":  map[string]any{"seconds": 1704067200},
				},
			}),
			wantScore:    ptr(7.2),
			wantAdjusted: true,
			wantSource:   ScoreSourceUserAdjustment,
		},
		{
			name: "stale adjustment is ignored",
			rec: exportRecord(map[string]any{
				"score": 3.5,
				"user_ranking_adjustment": map[string]any{
					"adjusted_score": 7.2,
					"last_adjusted":  map[string]any{"seconds": 0},
				},
			}),
			wantScore:  ptr(3.5),
			wantSource: ScoreSourceRisk,
		},
		{
			name: "adjustment without timestamp is ignored",
			rec: exportRecord(map[string]any{
				"score":                   2.0,
				"user_ranking_adjustment": map[string]any{"adjusted_score": 9.0},
			}),
			wantScore:  ptr(2.0),
			wantSource: ScoreSourceRisk,
		},
		{
			name: "camelCase adjustment",
			rec: exportRecord(map[string]any{
				"score": 1.0,
				"userRankingAdjustment": map[string]any{
					"adjustedScore": 4.4,
					"lastAdjusted":  map[string]any{"seconds": "1704067200"},
				},
			}),
			wantScore:    ptr(4.4),
			wantAdjusted: true,
			wantSource:   ScoreSourceUserAdjustment,
		},
		{
			name: "current_risk_score on flat record",
			rec: core.RawRecord{
				"deployment":         map[string]any{"id": "d", "riskScore": 1.1},
				"current_risk_score": 2.2,
			},
			wantScore:  ptr(2.2),
			wantSource: ScoreSourceCurrent,
		},
		{
			name: "denormalized deployment riskScore",
			rec: core.RawRecord{
				"deployment": map[string]any{"id": "d", "riskScore": 1.1},
			},
			wantScore:  ptr(1.1),
			wantSource: ScoreSourceDeployment,
		},
		{
			name:       "nothing falls back to baseline",
			rec:        core.RawRecord{"deployment": map[string]any{"id": "d"}},
			wantSource: ScoreSourceBaseline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveScore(tt.rec)
			if (got.Score == nil) != (tt.wantScore == nil) {
				t.Fatalf("Score = %v, want %v", got.Score, tt.wantScore)
			}
			if got.Score != nil && *got.Score != *tt.wantScore {
				t.Errorf("Score = %v, want %v", *got.Score, *tt.wantScore)
			}
			if got.UserAdjusted != tt.wantAdjusted {
				t.Errorf("UserAdjusted = %v, want %v", got.UserAdjusted, tt.wantAdjusted)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", got.Source, tt.wantSource)
			}
		})
	}
}

func TestSplitRecord(t *testing.T) {
	in, err := SplitRecord(exportRecord(map[string]any{"score": 3.5}))
	if err != nil {
		t.Fatalf("SplitRecord() error = %v", err)
	}
	if in.Deployment["id"] != "dep-1" {
		t.Errorf("Deployment = %v", in.Deployment)
	}
	if in.WorkloadCVSS == nil || *in.WorkloadCVSS != 5.5 {
		t.Errorf("WorkloadCVSS = %v, want 5.5", in.WorkloadCVSS)
	}
	if in.RiskScore == nil || *in.RiskScore != 3.5 {
		t.Errorf("RiskScore = %v, want 3.5", in.RiskScore)
	}

	_, err = SplitRecord(core.RawRecord{"images": []any{}})
	if !core.IsInvalidRecord(err) {
		t.Errorf("SplitRecord() without deployment error = %v, want INVALID_RECORD", err)
	}
}

func ptr(f float64) *float64 { return &f }
