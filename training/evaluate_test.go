package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/riskrank/core"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		pred       []float64
		actual     []float64
		groups     []int
		wantMAE    float64
		wantRMSE   float64
		wantCorr   float64
		wantWithin float64
		wantNDCG   float64
	}{
		{
			name:       "perfect",
			pred:       []float64{1, 2, 3, 4},
			actual:     []float64{1, 2, 3, 4},
			wantCorr:   1,
			wantWithin: 1,
			wantNDCG:   1,
		},
		{
			name:       "constant offset",
			pred:       []float64{2, 3, 4, 5},
			actual:     []float64{1, 2, 3, 4},
			groups:     []int{2, 2},
			wantMAE:    1,
			wantRMSE:   1,
			wantCorr:   1,
			wantWithin: 0.25,
			wantNDCG:   1,
		},
		{
			name:       "constant prediction",
			pred:       []float64{2, 2},
			actual:     []float64{1, 3},
			wantMAE:    1,
			wantRMSE:   1,
			wantCorr:   0,
			wantWithin: 0,
			wantNDCG:   ndcgTie(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Evaluate(tt.pred, tt.actual, tt.groups)
			require.NoError(t, err)
			assert.Equal(t, len(tt.pred), ev.Samples)
			assert.InDelta(t, tt.wantMAE, ev.MAE, 1e-9)
			assert.InDelta(t, tt.wantRMSE, ev.RMSE, 1e-9)
			assert.InDelta(t, tt.wantCorr, ev.Correlation, 1e-9)
			assert.InDelta(t, tt.wantWithin, ev.WithinTolerance, 1e-9)
			assert.InDelta(t, tt.wantNDCG, ev.NDCG, 1e-9)
			assert.Len(t, ev.Metrics(), 5)
		})
	}
}

// ndcgTie 预测分相同时保持原顺序：[1,3] 的 DCG / 理想 DCG
func ndcgTie() float64 {
	const disc2 = 0.6309297535714575 // 1/log2(3)
	return (1 + 3*disc2) / (3 + 1*disc2)
}

func TestEvaluate_Errors(t *testing.T) {
	_, err := Evaluate(nil, nil, nil)
	assert.True(t, core.IsInvalidInput(err))
	_, err = Evaluate([]float64{1}, []float64{1, 2}, nil)
	assert.True(t, core.IsShapeMismatch(err))
}

func TestCheckBaseline_NoReference(t *testing.T) {
	_, err := CheckBaseline(nil, []core.RawRecord{{"deployment": map[string]any{"id": "a"}}})
	assert.True(t, core.IsInvalidInput(err), "err = %v", err)
}

func TestAssess(t *testing.T) {
	tests := []struct {
		corr, mean float64
		want       string
	}{
		{0.99, 0.01, AssessmentExcellent},
		{0.99, 0.5, AssessmentGood},
		{0.8, 0.5, AssessmentAcceptable},
		{0.2, 0.01, AssessmentPoor},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, assess(&BaselineReport{Correlation: tt.corr, MeanAbsDiff: tt.mean}))
		})
	}
}
