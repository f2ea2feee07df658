package stream

import (
	"context"
	"testing"

	"github.com/rushteam/riskrank/core"
)

func collectRecords(t *testing.T, src core.StreamSource, limit int) ([]core.RawRecord, error) {
	t.Helper()
	var out []core.RawRecord
	for rec, err := range src.StreamSamples(context.Background(), core.Filters{}, limit) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestJSONFileSource(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		limit     int
		wantCount int
		wantShape bool
	}{
		{"wrapped", `{"deployments": [{"deployment": {"id": "a"}}, {"deployment": {"id": "b"}}]}`, 0, 2, false},
		{"top-level array", `[{"deployment": {"id": "a"}}]`, 0, 1, false},
		{"limit", `[{"deployment": {"id": "a"}}, {"deployment": {"id": "b"}}]`, 1, 1, false},
		{"wrong key", `{"items": []}`, 0, 0, true},
		{"scalar", `42`, 0, 0, true},
		{"array of scalars", `[1, 2]`, 0, 0, true},
		{"empty", ``, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "data.json", tt.content)
			got, err := collectRecords(t, NewJSONFileSource(path), tt.limit)
			if tt.wantShape {
				if !core.IsShapeMismatch(err) {
					t.Fatalf("error = %v, want SHAPE_MISMATCH", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if len(got) != tt.wantCount {
				t.Errorf("len = %d, want %d", len(got), tt.wantCount)
			}
		})
	}
}

func TestJSONFileSource_MissingFile(t *testing.T) {
	_, err := collectRecords(t, NewJSONFileSource("/nonexistent/data.json"), 0)
	if !core.IsStorageIO(err) {
		t.Fatalf("error = %v, want STORAGE_IO", err)
	}
}

func TestJSONLinesFileSource(t *testing.T) {
	content := `{"deployment": {"id": "a"}}

{broken
{"deployment": {"id": "b"}}
{"deployment": {"id": "c"}}
`
	path := writeFile(t, "data.jsonl", content)
	got, err := collectRecords(t, NewJSONLinesFileSource(path), 0)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}

	// 提前 break 也不会出错
	src := NewJSONLinesFileSource(path)
	n := 0
	for _, err := range src.StreamSamples(context.Background(), core.Filters{}, 0) {
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestProcessedSampleSource(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantShape bool
	}{
		{"array", `[{"features": {"host_pid": 1}, "risk_score": 2.0}]`, 1, false},
		{"wrapped", `{"training_samples": [{"features": {}, "risk_score": 1.0}]}`, 1, false},
		{"missing features", `[{"risk_score": 2.0}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "processed.json", tt.content)
			got, err := collectRecords(t, NewProcessedSampleSource(path), 0)
			if tt.wantShape {
				if !core.IsShapeMismatch(err) {
					t.Fatalf("error = %v, want SHAPE_MISMATCH", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if len(got) != tt.wantCount {
				t.Errorf("len = %d, want %d", len(got), tt.wantCount)
			}
		})
	}
}
