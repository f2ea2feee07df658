package storage

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func testMeta(id, version, trainedAt string) *core.ModelMetadata {
	return &core.ModelMetadata{
		ModelID:            id,
		Version:            version,
		Algorithm:          "lightgbm_lambdarank",
		FeatureCount:       23,
		TrainingTimestamp:  trainedAt,
		PerformanceMetrics: map[string]float64{"val_ndcg": 0.8},
	}
}

// backends 对每种后端执行同一组用例
func backends(t *testing.T) map[string]core.ModelStorage {
	local, err := NewLocalStorage(t.TempDir(), WithClock(fixedClock()))
	require.NoError(t, err)
	return map[string]core.ModelStorage{
		"local":  local,
		"object": NewObjectStorage(store.NewMemoryObjectStore(), "bucket", WithClock(fixedClock())),
	}
}

func TestStorage_SaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			blob := []byte(`{"model":"v1"}`)
			meta := testMeta("risk", "1.0.0", "2026-01-01T00:00:00Z")
			require.NoError(t, s.SaveModel(ctx, blob, meta))
			assert.Equal(t, Checksum(blob), meta.Checksum)
			assert.EqualValues(t, len(blob), meta.ModelSizeBytes)
			assert.Equal(t, core.StatusDraft, meta.Status)
			assert.Equal(t, "1.0.0", meta.SemanticVersion)

			// 写入后立即可见
			metas, err := s.ListModels(ctx, "risk")
			require.NoError(t, err)
			require.Len(t, metas, 1)

			got, loaded, err := s.LoadModel(ctx, "risk", "1.0.0")
			require.NoError(t, err)
			assert.Equal(t, blob, got)
			assert.Equal(t, meta.Checksum, loaded.Checksum)
			assert.Equal(t, 0.8, loaded.PerformanceMetrics["val_ndcg"])

			ok, err := s.ModelExists(ctx, "risk", "1.0.0")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.ModelExists(ctx, "risk", "9.9.9")
			require.NoError(t, err)
			assert.False(t, ok)

			_, _, err = s.LoadModel(ctx, "missing", "")
			assert.True(t, core.IsNotFound(err), "err = %v", err)
			_, _, err = s.LoadModel(ctx, "risk", "2.0.0")
			assert.True(t, core.IsNotFound(err), "err = %v", err)
		})
	}
}

func TestStorage_LatestAndList(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveModel(ctx, []byte("a"), testMeta("risk", "1.0.9", "2026-01-01T00:00:00Z")))
			require.NoError(t, s.SaveModel(ctx, []byte("b"), testMeta("risk", "1.0.10", "2026-01-03T00:00:00Z")))
			require.NoError(t, s.SaveModel(ctx, []byte("c"), testMeta("risk", "1.0.2", "2026-01-02T00:00:00Z")))
			require.NoError(t, s.SaveModel(ctx, []byte("d"), testMeta("other", "1", "2026-01-04T00:00:00Z")))

			blob, meta, err := s.LoadModel(ctx, "risk", "")
			require.NoError(t, err)
			assert.Equal(t, "1.0.10", meta.Version)
			assert.Equal(t, []byte("b"), blob)

			metas, err := s.ListModels(ctx, "risk")
			require.NoError(t, err)
			var versions []string
			for _, m := range metas {
				versions = append(versions, m.Version)
			}
			assert.Equal(t, []string{"1.0.10", "1.0.2", "1.0.9"}, versions)

			all, err := s.ListModels(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "other", all[0].ModelID)
		})
	}
}

func TestStorage_DeleteAndUpdate(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveModel(ctx, []byte("a"), testMeta("risk", "1", "")))
			require.NoError(t, s.SaveModel(ctx, []byte("b"), testMeta("risk", "2", "")))

			meta := testMeta("risk", "1", "")
			meta.Status = core.StatusStaging
			meta.Checksum = "tampered"
			require.NoError(t, s.UpdateMetadata(ctx, meta))
			_, loaded, err := s.LoadModel(ctx, "risk", "1")
			require.NoError(t, err, "update must keep the stored checksum")
			assert.Equal(t, core.StatusStaging, loaded.Status)

			assert.True(t, core.IsNotFound(s.UpdateMetadata(ctx, testMeta("risk", "7", ""))))

			keep := testMeta("risk", "1", "")
			keep.Status = ""
			keep.Description = "relabelled"
			require.NoError(t, s.UpdateMetadata(ctx, keep))
			_, loaded, err = s.LoadModel(ctx, "risk", "1")
			require.NoError(t, err)
			assert.Equal(t, core.StatusStaging, loaded.Status, "empty status keeps the stored one")
			assert.Equal(t, "relabelled", loaded.Description)

			bad := testMeta("risk", "1", "")
			bad.Status = "retired"
			assert.True(t, core.IsInvalidInput(s.UpdateMetadata(ctx, bad)))

			require.NoError(t, s.DeleteModel(ctx, "risk", "1"))
			ok, _ := s.ModelExists(ctx, "risk", "1")
			assert.False(t, ok)
			ok, _ = s.ModelExists(ctx, "risk", "")
			assert.True(t, ok)

			require.NoError(t, s.DeleteModel(ctx, "risk", ""))
			ok, _ = s.ModelExists(ctx, "risk", "")
			assert.False(t, ok)
			assert.True(t, core.IsNotFound(s.DeleteModel(ctx, "risk", "")))
		})
	}
}

func TestStorage_InvalidRefs(t *testing.T) {
	ctx := context.Background()
	s := NewObjectStorage(store.NewMemoryObjectStore(), "")
	tests := []struct{ id, version string }{
		{"", "1"},
		{"risk", ""},
		{"../etc", "1"},
		{"risk", "1/2"},
		{"..", "1"},
	}
	for _, tt := range tests {
		err := s.SaveModel(ctx, []byte("x"), testMeta(tt.id, tt.version, ""))
		assert.True(t, core.IsInvalidInput(err), "SaveModel(%q, %q) err = %v", tt.id, tt.version, err)
	}
	assert.True(t, core.IsInvalidInput(s.SaveModel(ctx, nil, nil)))
}

func TestLocalStorage_Corrupt(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStorage(root)
	require.NoError(t, err)
	require.NoError(t, s.SaveModel(ctx, []byte("original"), testMeta("risk", "1", "")))

	path := filepath.Join(root, "models", "risk", "v1", "model.json")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	_, _, err = s.LoadModel(ctx, "risk", "1")
	assert.True(t, core.IsCorruptModel(err), "err = %v", err)

	require.NoError(t, os.Remove(path))
	_, _, err = s.LoadModel(ctx, "risk", "1")
	assert.True(t, core.IsCorruptModel(err), "err = %v", err)

	// 损坏的元数据在列表中被跳过
	require.NoError(t, s.SaveModel(ctx, []byte("ok"), testMeta("risk", "2", "")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "models", "risk", "v1", "metadata.json"), []byte("{"), 0o644))
	metas, err := s.ListModels(ctx, "risk")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "2", metas[0].Version)
}

func TestLocalStorage_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStorage(root)
	require.NoError(t, err)
	meta := testMeta("risk", "1.0.0", "")
	meta.FileExtension = "bin"
	require.NoError(t, s.SaveModel(ctx, []byte("x"), meta))

	assert.FileExists(t, filepath.Join(root, "models", "risk", "v1.0.0", "model.bin"))
	assert.FileExists(t, filepath.Join(root, "models", "risk", "v1.0.0", "metadata.json"))

	// 换扩展名重写时清理旧文件
	meta2 := testMeta("risk", "1.0.0", "")
	require.NoError(t, s.SaveModel(ctx, []byte("y"), meta2))
	assert.NoFileExists(t, filepath.Join(root, "models", "risk", "v1.0.0", "model.bin"))
	assert.FileExists(t, filepath.Join(root, "models", "risk", "v1.0.0", "model.json"))
}

func TestLatestVersion(t *testing.T) {
	tests := []struct {
		name     string
		versions []string
		want     string
	}{
		{"empty", nil, ""},
		{"numeric", []string{"2", "10", "9"}, "10"},
		{"dotted", []string{"1.0.9", "1.0.10", "1.1"}, "1.1"},
		{"mixed falls back to lexicographic", []string{"10", "9", "abc"}, "abc"},
		{"lexicographic", []string{"lightgbm_20260101_000000", "lightgbm_20260102_000000"}, "lightgbm_20260102_000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LatestVersion(tt.versions))
		})
	}
}

func TestParseMetadataKey(t *testing.T) {
	id, version, ok := parseMetadataKey("models/risk/v1.0.0/metadata.json")
	assert.True(t, ok)
	assert.Equal(t, "risk", id)
	assert.Equal(t, "1.0.0", version)

	for _, key := range []string{
		"models/risk/v1.0.0/model.json",
		"models/risk/1.0.0/metadata.json",
		"models/risk/v/metadata.json",
		"other/risk/v1/metadata.json",
		"models/risk/v1/nested/metadata.json",
	} {
		_, _, ok := parseMetadataKey(key)
		assert.False(t, ok, key)
	}
}

func TestStorage_LogAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s, err := NewLocalStorage(t.TempDir(), WithClock(fixedClock()), WithLogger(logger))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.SaveModel(ctx, []byte("blob"), testMeta("risk", "1", "")))
	require.NoError(t, s.DeleteModel(ctx, "risk", "1"))

	var checked int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"msg":"Stored model"`) || strings.Contains(line, `"msg":"Deleted model"`) {
			checked++
			assert.Equal(t, 1, strings.Count(line, `"backend":`), line)
		}
	}
	assert.Equal(t, 2, checked)
}
