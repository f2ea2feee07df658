package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/rushteam/riskrank/core"
)

func exportLine(id string) string {
	b, _ := json.Marshal(map[string]any{
		"result": map[string]any{
			"deployment": map[string]any{"id": id, "name": id, "namespace": "shop"},
			"images":     []any{},
			"risk":       map[string]any{"score": 2.0},
		},
		"workload_cvss": 4.0,
	})
	return string(b)
}

func newTestSource(t *testing.T, h http.Handler, opts ...HTTPOption) *HTTPExportSource {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]HTTPOption{WithRetry(3, time.Millisecond, 5*time.Millisecond)}, opts...)
	s, err := NewHTTPExportSource(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewHTTPExportSource() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewHTTPExportSource_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "/relative/path"} {
		if _, err := NewHTTPExportSource(endpoint); !core.IsInvalidInput(err) {
			t.Errorf("NewHTTPExportSource(%q) error = %v, want INVALID_INPUT", endpoint, err)
		}
	}
}

func TestHTTPExportSource_StreamsAndSkipsBadLines(t *testing.T) {
	var gotAuth, gotQuery string
	body := strings.Join([]string{
		exportLine("a"),
		"",
		"{not json",
		`{"result": {"deployment": {"name": "no-id"}, "images": []}}`,
		exportLine("b"),
	}, "\n")
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultWorkloadsPath {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(body))
	})
	s := newTestSource(t, h, WithBearerToken("secret"))

	minCVSS := 7.0
	got, err := collectRecords(t, s, 0)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 2 || DeploymentID(got[0]) != "a" || DeploymentID(got[1]) != "b" {
		t.Fatalf("records = %v", got)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery != "format=json" {
		t.Errorf("query = %q, want format=json", gotQuery)
	}

	for _, err := range s.StreamSamples(context.Background(), core.Filters{Cluster: "prod", MinCVSS: &minCVSS}, 0) {
		if err != nil {
			t.Fatalf("stream error = %v", err)
		}
	}
	if !strings.Contains(gotQuery, "cluster=prod") || !strings.Contains(gotQuery, "min_cvss=7") {
		t.Errorf("query = %q, want cluster and min_cvss", gotQuery)
	}
}

func TestHTTPExportSource_Limit(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, id := range []string{"a", "b", "c", "d"} {
			_, _ = w.Write([]byte(exportLine(id) + "\n"))
		}
	})
	s := newTestSource(t, h)
	got, err := collectRecords(t, s, 2)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestHTTPExportSource_OversizedLineSkipped(t *testing.T) {
	huge := `{"result": {"deployment": {"id": "huge"}, "images": [], "pad": "` + strings.Repeat("x", 5000) + `"}}`
	body := strings.Join([]string{exportLine("a"), huge, exportLine("b")}, "\n")
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})
	s := newTestSource(t, h, WithMaxLineSize(1024))
	got, err := collectRecords(t, s, 0)
	if err != nil {
		t.Fatalf("stream error = %v, want oversized line skipped", err)
	}
	if len(got) != 2 || DeploymentID(got[0]) != "a" || DeploymentID(got[1]) != "b" {
		t.Errorf("records = %v, want a and b", got)
	}
}

func TestHTTPExportSource_Retry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCalls int32
		wantErr   func(error) bool
	}{
		{"succeeds after 503", []int{http.StatusServiceUnavailable, http.StatusOK}, 2, nil},
		{"succeeds after 429", []int{http.StatusTooManyRequests, http.StatusOK}, 2, nil},
		{"401 is permanent", []int{http.StatusUnauthorized}, 1, core.IsPermanentTransport},
		{"404 is permanent", []int{http.StatusNotFound}, 1, core.IsPermanentTransport},
		{"exhausted retries", []int{http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway}, 3, core.IsTransientTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.statuses[min(n, len(tt.statuses)-1)]
				if status != http.StatusOK {
					http.Error(w, "nope", status)
					return
				}
				_, _ = w.Write([]byte(exportLine("a") + "\n"))
			})
			s := newTestSource(t, h)
			got, err := collectRecords(t, s, 0)
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("error = %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("error = %v", err)
				}
				if len(got) != 1 {
					t.Errorf("len = %d, want 1", len(got))
				}
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestHTTPExportSource_GzipBody(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(exportLine("a") + "\n" + exportLine("b") + "\n"))
		_ = zw.Close()
	})
	s := newTestSource(t, h)
	got, err := collectRecords(t, s, 0)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestHTTPExportSource_UnsupportedEncoding(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("xx"))
	})
	s := newTestSource(t, h)
	if _, err := collectRecords(t, s, 0); !core.IsPermanentTransport(err) {
		t.Fatalf("error = %v, want PERMANENT_TRANSPORT", err)
	}
}

func TestHTTPExportSource_AuxiliaryCollectors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultWorkloadsPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exportLine("a") + "\n"))
	})
	mux.HandleFunc(DefaultAlertsPath, func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"result": {"alert": {"id": "al-1", "deployment": {"id": "a"}, "policy": {"id": "p1", "severity": "HIGH_SEVERITY"}}}}`,
			`{"result": {"alert": {"id": "al-2", "deployment_id": "b", "policy_id": "p2"}}}`,
			`{"result": {"alert": {"id": "orphan"}}}`,
		}
		_, _ = w.Write([]byte(strings.Join(lines, "\n")))
	})
	mux.HandleFunc(DefaultPoliciesPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"policy": {"id": "p2", "severity": "LOW_SEVERITY"}}}` + "\n"))
	})
	s := newTestSource(t, mux, WithAuxiliaryStreams(true, true))

	if _, err := collectRecords(t, s, 0); err != nil {
		t.Fatalf("stream error = %v", err)
	}
	alerts, policies := s.cache.sizes()
	if alerts != 2 || policies != 1 {
		t.Errorf("cache sizes = %d alerts %d policies, want 2 and 1", alerts, policies)
	}

	_ = s.Close()
	alerts, policies = s.cache.sizes()
	if alerts != 0 || policies != 0 {
		t.Errorf("cache after Close = %d/%d, want empty", alerts, policies)
	}
}

func TestAuxCache_Splice(t *testing.T) {
	c, err := newAuxCache(10)
	if err != nil {
		t.Fatalf("newAuxCache() error = %v", err)
	}
	c.addPolicy(map[string]any{"id": "p2", "severity": "LOW_SEVERITY"})
	c.addAlert(map[string]any{"id": "x", "deployment": map[string]any{"id": "dep-1"}, "policy": map[string]any{"severity": "HIGH_SEVERITY"}})
	c.addAlert(map[string]any{"id": "y", "deployment_id": "dep-1", "policy_id": "p2"})
	c.addAlert(map[string]any{"id": "z", "deployment_id": "other"})

	rec := exportRecord(nil)
	rec["result"].(map[string]any)["alerts"] = []any{map[string]any{"id": "existing"}}
	c.splice(rec)

	alerts := rec["result"].(map[string]any)["alerts"].([]any)
	if len(alerts) != 3 {
		t.Fatalf("len(alerts) = %d, want 3", len(alerts))
	}
	filled := alerts[2].(map[string]any)
	if filled["policy"].(map[string]any)["severity"] != "LOW_SEVERITY" {
		t.Errorf("policy not filled from cache: %v", filled)
	}

	// 没有 result 的扁平记录不做拼接
	flat := core.RawRecord{"deployment": map[string]any{"id": "dep-1"}}
	c.splice(flat)
	if _, ok := flat["alerts"]; ok {
		t.Errorf("flat record should not be spliced")
	}
}
