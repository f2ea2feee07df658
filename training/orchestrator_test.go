package training

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/model"
	"github.com/rushteam/riskrank/pkg/dsl"
	"github.com/rushteam/riskrank/storage"
	"github.com/rushteam/riskrank/stream"
	"github.com/rushteam/riskrank/store"
)

var trainNow = time.Date(2026, 5, 20, 8, 0, 0, 0, time.UTC)

func newOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, core.ModelStorage) {
	t.Helper()
	s := storage.NewObjectStorage(store.NewMemoryObjectStore(), "")
	base := []Option{
		WithModelID("risk"),
		WithModelOptions(model.WithTrees(10), model.WithSeed(7)),
		WithClock(func() time.Time { return trainNow }),
	}
	return NewOrchestrator(s, append(base, opts...)...), s
}

func TestOrchestrator_Run(t *testing.T) {
	ctx := context.Background()
	o, s := newOrchestrator(t, WithConfigSnapshot(map[string]any{"source": "generated"}))
	gen := stream.NewGenerator(42, 3, trainNow)

	res, err := o.Run(ctx, gen.Source(150))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Persisted)
	assert.Equal(t, "risk", res.ModelID)
	assert.Equal(t, "20260520_080000", res.Version)
	assert.Equal(t, "1.0.0", res.SemanticVersion)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 150, res.Stream.Successful)
	assert.Contains(t, res.Metrics, "val_ndcg")
	assert.Contains(t, res.Metrics, "eval_rmse")
	assert.Len(t, res.Importance, feature.SchemaV1.Len())
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, 150, res.Evaluation.Samples)
	// 合成数据的目标分全部来自基线，没有可对比的参考分
	assert.Nil(t, res.Baseline)

	blob, meta, err := s.LoadModel(ctx, "risk", "")
	require.NoError(t, err)
	assert.Equal(t, core.StatusProduction, meta.Status)
	assert.Equal(t, feature.SchemaV1.Len(), meta.FeatureCount)
	assert.Equal(t, res.RunID, meta.TrainingRunID)
	assert.Empty(t, meta.ParentVersion)
	assert.Equal(t, "generated", meta.Config["training"].(map[string]any)["source"])
	m, err := model.Unmarshal(blob)
	require.NoError(t, err)
	assert.Equal(t, res.ModelVersion, m.Version())

	// 同一时刻的第二次训练：版本号追加 run id，语义化版本递增，父版本指向上一次
	res2, err := o.Run(ctx, gen.Source(150))
	require.NoError(t, err)
	require.True(t, res2.Success, res2.Error)
	assert.Equal(t, "20260520_080000_"+res2.RunID[:8], res2.Version)
	assert.Equal(t, "1.0.1", res2.SemanticVersion)
	_, meta2, err := s.LoadModel(ctx, "risk", res2.Version)
	require.NoError(t, err)
	assert.Equal(t, res.Version, meta2.ParentVersion)

	lineage, err := storage.Lineage(ctx, s, "risk", res2.Version)
	require.NoError(t, err)
	assert.Len(t, lineage, 2)
}

func TestOrchestrator_MaxRowsAndFilter(t *testing.T) {
	filter, err := dsl.Compile(`deployment.namespace != "kube-system"`)
	require.NoError(t, err)
	o, _ := newOrchestrator(t, WithMaxRows(60), WithRecordFilter(filter))

	res, err := o.Run(context.Background(), stream.NewGenerator(3, 2, trainNow).Source(200))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 60, res.Stream.Successful)
	assert.Positive(t, res.Stream.Filtered)
	assert.Equal(t, 60, res.Evaluation.Samples)
}

func TestOrchestrator_Failures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"deployments": []}`), 0o644))
	badShape := filepath.Join(dir, "shape.json")
	require.NoError(t, os.WriteFile(badShape, []byte(`{"items": 3}`), 0o644))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"no samples", empty, "validate"},
		{"wrong shape", badShape, "collect"},
		{"missing file", filepath.Join(dir, "nope.json"), "collect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, s := newOrchestrator(t)
			res, err := o.RunFromFile(ctx, tt.path)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.False(t, res.Persisted)
			assert.Contains(t, res.Error, tt.wantErr)
			assert.Empty(t, res.Metrics)
			models, err := s.ListModels(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, models)
		})
	}
}

func TestOrchestrator_Degenerate(t *testing.T) {
	ctx := context.Background()
	records := stream.NewGenerator(5, 2, trainNow).Generate(40)
	for _, rec := range records {
		rec["current_risk_score"] = 2.5
	}
	path := filepath.Join(t.TempDir(), "flat.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for _, rec := range records {
		require.NoError(t, enc.Encode(rec))
	}
	require.NoError(t, f.Close())

	o, s := newOrchestrator(t)
	res, err := o.RunFromFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.False(t, res.Persisted)
	assert.Empty(t, res.Metrics)
	exists, err := s.ModelExists(ctx, "risk", "20260520_080000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrchestrator_BaselineCheck(t *testing.T) {
	records := stream.NewGenerator(9, 2, trainNow).Generate(80)
	calc := feature.NewBaselineCalculator(feature.WithClock(func() time.Time { return trainNow }))
	for _, rec := range records {
		in, err := stream.SplitRecord(rec)
		require.NoError(t, err)
		f, err := calc.Calculate(in.RecordInput)
		require.NoError(t, err)
		rec["current_risk_score"] = f.OverallScore
	}

	o, _ := newOrchestrator(t)
	res, err := o.Run(context.Background(), &sliceSource{records: records})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Baseline)
	assert.Equal(t, 80, res.Baseline.Samples)
	assert.Equal(t, AssessmentExcellent, res.Baseline.Assessment)
	assert.InDelta(t, 0, res.Baseline.MaxAbsDiff, 1e-9)
}

func TestOrchestrator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o, _ := newOrchestrator(t)
	res, err := o.Run(ctx, stream.NewGenerator(1, 1, trainNow).Source(50))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)
}

// sliceSource 按顺序产出给定记录
type sliceSource struct {
	records []core.RawRecord
}

func (s *sliceSource) Name() string { return "slice" }

func (s *sliceSource) StreamSamples(_ context.Context, _ core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		for i, rec := range s.records {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *sliceSource) Close() error { return nil }
