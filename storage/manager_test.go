package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/store"
)

// failingStorage 所有写操作都失败
type failingStorage struct {
	core.ModelStorage
}

func (failingStorage) Name() string { return "failing" }

func (failingStorage) SaveModel(context.Context, []byte, *core.ModelMetadata) error {
	return storageIO("disk full", errors.New("ENOSPC"))
}

func newPair(t *testing.T) (*Manager, *ObjectStorage, *ObjectStorage, *store.MemoryObjectStore) {
	t.Helper()
	primaryObjects := store.NewMemoryObjectStore()
	primary := NewObjectStorage(primaryObjects, "primary")
	backup := NewObjectStorage(store.NewMemoryObjectStore(), "backup")
	return NewManager(primary, WithBackup(backup)), primary, backup, primaryObjects
}

func TestManager_Replication(t *testing.T) {
	ctx := context.Background()
	m, primary, backup, _ := newPair(t)
	assert.Equal(t, "object:memory+object:memory", m.Name())

	require.NoError(t, m.SaveModel(ctx, []byte("blob"), testMeta("risk", "1.0.0", "")))
	for _, s := range []core.ModelStorage{primary, backup} {
		ok, err := s.ModelExists(ctx, "risk", "1.0.0")
		require.NoError(t, err)
		assert.True(t, ok, s.Name())
	}

	meta := testMeta("risk", "1.0.0", "")
	meta.Status = core.StatusStaging
	require.NoError(t, m.UpdateMetadata(ctx, meta))
	_, bm, err := backup.LoadModel(ctx, "risk", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, core.StatusStaging, bm.Status)

	require.NoError(t, m.DeleteModel(ctx, "risk", "1.0.0"))
	ok, _ := backup.ModelExists(ctx, "risk", "1.0.0")
	assert.False(t, ok)
}

func TestManager_BackupFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	primary := NewObjectStorage(store.NewMemoryObjectStore(), "")
	m := NewManager(primary, WithBackup(failingStorage{}))
	require.NoError(t, m.SaveModel(ctx, []byte("blob"), testMeta("risk", "1", "")))

	m = NewManager(failingStorage{}, WithBackup(primary))
	err := m.SaveModel(ctx, []byte("blob"), testMeta("risk", "2", ""))
	assert.True(t, core.IsStorageIO(err), "err = %v", err)
}

func TestManager_LoadFallsBackOnCorruption(t *testing.T) {
	ctx := context.Background()
	m, _, _, primaryObjects := newPair(t)
	require.NoError(t, m.SaveModel(ctx, []byte("blob"), testMeta("risk", "1", "")))

	require.NoError(t, primaryObjects.PutObject(ctx, "primary/models/risk/v1/model.json", []byte("bit rot")))

	ok, err := m.VerifyIntegrity(ctx, "risk", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	blob, meta, err := m.LoadModel(ctx, "risk", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), blob)
	assert.Equal(t, "1", meta.Version)

	_, _, err = m.LoadModel(ctx, "risk", "9")
	assert.True(t, core.IsNotFound(err), "err = %v", err)
}

func TestVersioning_Promote(t *testing.T) {
	ctx := context.Background()
	s := NewObjectStorage(store.NewMemoryObjectStore(), "")
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	good := testMeta("risk", "1.0.0", "")
	require.NoError(t, s.SaveModel(ctx, []byte("a"), good))
	weak := testMeta("risk", "1.0.1", "")
	weak.PerformanceMetrics = map[string]float64{"val_ndcg": 0.5}
	require.NoError(t, s.SaveModel(ctx, []byte("b"), weak))

	_, err := Promote(ctx, s, "risk", "1.0.1", core.StatusProduction, DefaultProductionThresholds, now)
	assert.True(t, core.IsInvalidInput(err), "err = %v", err)

	meta, err := Promote(ctx, s, "risk", "1.0.0", core.StatusStaging, nil, now)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStaging, meta.Status)

	meta, err = Promote(ctx, s, "risk", "1.0.0", core.StatusProduction, DefaultProductionThresholds, now)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.DeploymentCount)
	first := meta.FirstDeployedAt

	_, err = Promote(ctx, s, "risk", "1.0.0", core.StatusDeprecated, nil, now)
	require.NoError(t, err)
	meta, err = Promote(ctx, s, "risk", "1.0.0", core.StatusProduction, nil, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, meta.DeploymentCount)
	assert.Equal(t, first, meta.FirstDeployedAt)
	assert.NotEqual(t, first, meta.LastDeployedAt)

	_, err = Promote(ctx, s, "risk", "1.0.0", core.StatusArchived, nil, now)
	assert.True(t, core.IsInvalidInput(err), "production -> archived must go through deprecated")

	_, err = Promote(ctx, s, "risk", "1.0.0", core.ModelStatus("retired"), nil, now)
	assert.True(t, core.IsInvalidInput(err))
	_, err = Promote(ctx, s, "risk", "3.0.0", core.StatusStaging, nil, now)
	assert.True(t, core.IsNotFound(err))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to core.ModelStatus
		want     bool
	}{
		{core.StatusDraft, core.StatusStaging, true},
		{"", core.StatusStaging, true},
		{core.StatusStaging, core.StatusProduction, true},
		{core.StatusProduction, core.StatusDeprecated, true},
		{core.StatusProduction, core.StatusDraft, false},
		{core.StatusDeprecated, core.StatusArchived, true},
		{core.StatusArchived, core.StatusProduction, false},
		{core.StatusArchived, core.StatusArchived, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestSemanticVersions(t *testing.T) {
	tests := []struct{ parent, want string }{
		{"", "1.0.0"},
		{"1.0.0", "1.0.1"},
		{"2.3.9", "2.3.10"},
		{"1.0", "1.0.0"},
		{"garbage", "1.0.0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextSemanticVersion(tt.parent), "parent %q", tt.parent)
	}

	assert.Equal(t, "3.0.0", SemanticFromVersion("3"))
	assert.Equal(t, "1.2.0", SemanticFromVersion("v1.2"))
	assert.Equal(t, "", SemanticFromVersion("lightgbm_20260101_000000"))

	ctx := context.Background()
	s := NewObjectStorage(store.NewMemoryObjectStore(), "")
	latest, err := LatestSemanticVersion(ctx, s, "risk")
	require.NoError(t, err)
	assert.Equal(t, "", latest)
	for _, v := range []string{"1.0.9", "1.0.10", "1.0.2"} {
		require.NoError(t, s.SaveModel(ctx, []byte(v), testMeta("risk", v, "")))
	}
	latest, err = LatestSemanticVersion(ctx, s, "risk")
	require.NoError(t, err)
	assert.Equal(t, "1.0.10", latest)
}

func TestVersioning_CompareLineageArchive(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newPair(t)
	versions := []string{"1.0.0", "1.0.1", "1.0.2", "1.0.3"}
	for i, v := range versions {
		meta := testMeta("risk", v, "")
		meta.CreatedAt = time.Date(2026, 1, i+1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		meta.PerformanceMetrics = map[string]float64{"val_ndcg": 0.7 + 0.05*float64(i), "epochs": 50}
		if i > 0 {
			meta.ParentVersion = versions[i-1]
		}
		require.NoError(t, m.SaveModel(ctx, []byte(v), meta))
	}

	cmp, err := CompareVersions(ctx, m, "risk", "1.0.0", "1.0.2")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cmp.Diff["val_ndcg"], 1e-9)
	assert.Equal(t, 0.0, cmp.Diff["epochs"])

	chain, err := Lineage(ctx, m, "risk", "1.0.3")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, "1.0.3", chain[0].Version)
	assert.Equal(t, "1.0.0", chain[3].Version)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = Promote(ctx, m, "risk", "1.0.0", core.StatusProduction, nil, now)
	require.NoError(t, err)
	n, err := ArchiveOldVersions(ctx, m, "risk", 2, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "1.0.1 archived, production 1.0.0 kept")

	archived, err := ByStatus(ctx, m, "risk", core.StatusArchived)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "1.0.1", archived[0].Version)
	assert.NotEmpty(t, archived[0].ArchivedAt)

	st, err := Stats(ctx, m)
	require.NoError(t, err)
	assert.True(t, st.BackupEnabled)
	assert.Equal(t, 1, st.TotalModels)
	assert.Equal(t, 4, st.TotalVersions)
	assert.EqualValues(t, 20, st.TotalSizeBytes)
	assert.Equal(t, 1, st.ByStatus[core.StatusProduction])
}
