package feature

import (
	"math"
	"testing"
	"time"

	"github.com/rushteam/riskrank/core"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func hardenedDeployment() map[string]any {
	return map[string]any{
		"id":        "dep-1",
		"name":      "web",
		"namespace": "shop",
		"containers": []any{
			map[string]any{
				"name": "app",
				"security_context": map[string]any{
					"privileged":        false,
					"drop_capabilities": []any{"ALL"},
				},
			},
		},
	}
}

func TestBaselineCalculator_FixedPoint(t *testing.T) {
	c := NewBaselineCalculator(WithClock(fixedClock))
	f, err := c.Calculate(RecordInput{Deployment: hardenedDeployment()})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	for name, m := range f.Multipliers() {
		if m != 1.0 {
			t.Errorf("%s multiplier = %v, want 1.0", name, m)
		}
	}
	if f.OverallScore != 1.0 {
		t.Errorf("OverallScore = %v, want 1.0", f.OverallScore)
	}
	if len(f.RiskFactors) != 0 {
		t.Errorf("RiskFactors = %v, want empty", f.RiskFactors)
	}
}

func TestBaselineCalculator_MissingDeployment(t *testing.T) {
	c := NewBaselineCalculator()
	_, err := c.Calculate(RecordInput{})
	if !core.IsInvalidRecord(err) {
		t.Fatalf("Calculate() error = %v, want INVALID_RECORD", err)
	}
}

func TestBaselineCalculator_PolicyViolations(t *testing.T) {
	tests := []struct {
		name   string
		alerts []map[string]any
		want   float64
	}{
		{
			name:   "no alerts",
			alerts: nil,
			want:   1.0,
		},
		{
			name: "critical and high",
			alerts: []map[string]any{
				{"policy": map[string]any{"name": "privileged", "severity": "CRITICAL_SEVERITY"}},
				{"policy": map[string]any{"name": "latest-tag", "severity": "HIGH"}},
			},
			want: 2.5,
		},
		{
			name: "unknown severity counts as low",
			alerts: []map[string]any{
				{"severity": "WHATEVER"},
			},
			want: Normalize(1, 50, 4),
		},
		{
			name: "saturated",
			alerts: []map[string]any{
				{"severity": "CRITICAL"}, {"severity": "CRITICAL"}, {"severity": "CRITICAL"}, {"severity": "CRITICAL"},
			},
			want: 4.0,
		},
	}
	c := NewBaselineCalculator(WithClock(fixedClock))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := c.Calculate(RecordInput{Deployment: hardenedDeployment(), Alerts: tt.alerts})
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if !approxEqual(f.PolicyViolations, tt.want) {
				t.Errorf("PolicyViolations = %v, want %v", f.PolicyViolations, tt.want)
			}
		})
	}
}

func TestBaselineCalculator_ServiceConfig(t *testing.T) {
	volumes := make([]any, 20)
	secrets := make([]any, 20)
	for i := range volumes {
		volumes[i] = map[string]any{"name": "v"}
		secrets[i] = map[string]any{"name": "s"}
	}
	tests := []struct {
		name      string
		container map[string]any
		want      float64
	}{
		{
			name: "saturated cap",
			container: map[string]any{
				"volumes": volumes,
				"secrets": secrets,
				"security_context": map[string]any{
					"privileged":        true,
					"add_capabilities":  []any{"ALL", "SYS_ADMIN"},
					"drop_capabilities": []any{},
				},
			},
			want: 2.0,
		},
		{
			name: "nothing dropped only",
			container: map[string]any{
				"security_context": map[string]any{},
			},
			want: Normalize(1, 8, 2),
		},
		{
			name: "read only volumes are ignored",
			container: map[string]any{
				"volumes": []any{map[string]any{"name": "cfg", "read_only": true}},
				"security_context": map[string]any{
					"drop_capabilities": []any{"NET_RAW"},
				},
			},
			want: 1.0,
		},
		{
			name: "privileged doubles",
			container: map[string]any{
				"security_context": map[string]any{
					"privileged":        true,
					"drop_capabilities": []any{"ALL"},
				},
			},
			want: Normalize(2, 8, 2),
		},
	}
	c := NewBaselineCalculator(WithClock(fixedClock))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := map[string]any{"id": "d", "containers": []any{tt.container}}
			f, err := c.Calculate(RecordInput{Deployment: dep})
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if !approxEqual(f.ServiceConfig, tt.want) {
				t.Errorf("ServiceConfig = %v, want %v", f.ServiceConfig, tt.want)
			}
		})
	}
}

func TestBaselineCalculator_ImageMultipliers(t *testing.T) {
	tests := []struct {
		name   string
		images []map[string]any
		check  func(t *testing.T, f *BaselineRiskFactors)
	}{
		{
			name: "vulnerability counts",
			images: []map[string]any{
				{"id": "a", "critical_count": 2, "high_count": 5},
				{"id": "b", "low_count": 4},
			},
			check: func(t *testing.T, f *BaselineRiskFactors) {
				if !approxEqual(f.Vulnerabilities, 3.4) {
					t.Errorf("Vulnerabilities = %v, want 3.4", f.Vulnerabilities)
				}
			},
		},
		{
			name: "component list",
			images: []map[string]any{
				{"id": "a", "components": []any{
					map[string]any{"name": "curl"},
					map[string]any{"name": "bash"},
					map[string]any{"name": "libc"},
				}},
			},
			check: func(t *testing.T, f *BaselineRiskFactors) {
				if !approxEqual(f.RiskyComponents, 1.1) {
					t.Errorf("RiskyComponents = %v, want 1.1", f.RiskyComponents)
				}
				if !approxEqual(f.ComponentCount, Normalize(3, 500, 1.5)) {
					t.Errorf("ComponentCount = %v", f.ComponentCount)
				}
			},
		},
		{
			name: "component summary count",
			images: []map[string]any{
				{"id": "a", "components": 250},
			},
			check: func(t *testing.T, f *BaselineRiskFactors) {
				if !approxEqual(f.ComponentCount, 1.25) {
					t.Errorf("ComponentCount = %v, want 1.25", f.ComponentCount)
				}
				if f.RiskyComponents != 1.0 {
					t.Errorf("RiskyComponents = %v, want 1.0", f.RiskyComponents)
				}
			},
		},
		{
			name: "image age",
			images: []map[string]any{
				{"id": "young", "age_days": 100},
				{"id": "old", "age_days": 547.5},
			},
			check: func(t *testing.T, f *BaselineRiskFactors) {
				if !approxEqual(f.ImageAge, 1.15) {
					t.Errorf("ImageAge = %v, want 1.15", f.ImageAge)
				}
			},
		},
		{
			name: "image age capped",
			images: []map[string]any{
				{"id": "ancient", "created": fixedNow.AddDate(-10, 0, 0).Format(time.RFC3339)},
			},
			check: func(t *testing.T, f *BaselineRiskFactors) {
				if f.ImageAge != 1.3 {
					t.Errorf("ImageAge = %v, want 1.3", f.ImageAge)
				}
			},
		},
	}
	c := NewBaselineCalculator(WithClock(fixedClock))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := c.Calculate(RecordInput{Deployment: hardenedDeployment(), Images: tt.images})
			if err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			tt.check(t, f)
		})
	}
}

func TestBaselineCalculator_ProcessAndReachability(t *testing.T) {
	dep := hardenedDeployment()
	dep["ports"] = []any{
		map[string]any{"container_port": 8080, "exposure": "INTERNAL"},
		map[string]any{"container_port": 443, "exposure": "EXTERNAL"},
	}
	violations := make([]map[string]any, 3)
	c := NewBaselineCalculator(WithClock(fixedClock))
	f, err := c.Calculate(RecordInput{Deployment: dep, BaselineViolations: violations})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if !approxEqual(f.ProcessBaseline, 1.3) {
		t.Errorf("ProcessBaseline = %v, want 1.3", f.ProcessBaseline)
	}
	if !approxEqual(f.Reachability, 1.1*1.2) {
		t.Errorf("Reachability = %v, want 1.32", f.Reachability)
	}
	if !approxEqual(f.OverallScore, 1.3*1.1*1.2) {
		t.Errorf("OverallScore = %v", f.OverallScore)
	}
}

func TestBaselineCalculator_Caps(t *testing.T) {
	volumes := []any{map[string]any{"name": "rw"}}
	dep := map[string]any{
		"id": "worst",
		"containers": []any{map[string]any{
			"volumes":          volumes,
			"secrets":          []any{"s"},
			"security_context": map[string]any{"privileged": true, "add_capabilities": []any{"SYS_ADMIN"}},
		}},
	}
	ports := make([]any, 40)
	for i := range ports {
		ports[i] = map[string]any{"port": 1000 + i, "exposure": "NODE"}
	}
	dep["ports"] = ports
	alerts := make([]map[string]any, 30)
	for i := range alerts {
		alerts[i] = map[string]any{"severity": "CRITICAL"}
	}
	images := []map[string]any{{
		"id": "img", "critical_count": 100, "components": 5000, "risky_component_count": 50, "age_days": 5000,
	}}
	c := NewBaselineCalculator(WithClock(fixedClock))
	f, err := c.Calculate(RecordInput{
		Deployment:         dep,
		Images:             images,
		Alerts:             alerts,
		BaselineViolations: make([]map[string]any, 50),
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	product := 1.0
	for name, m := range f.Multipliers() {
		if m != MultiplierCaps[name] {
			t.Errorf("%s = %v, want cap %v", name, m, MultiplierCaps[name])
		}
		product *= m
	}
	if !approxEqual(f.OverallScore, product) {
		t.Errorf("OverallScore = %v, want %v", f.OverallScore, product)
	}
	if len(f.RiskFactors) != 8 {
		t.Errorf("len(RiskFactors) = %d, want 8", len(f.RiskFactors))
	}
}

func TestBaselineCalculator_Deterministic(t *testing.T) {
	in := RecordInput{
		Deployment: hardenedDeployment(),
		Images:     []map[string]any{{"id": "a", "high_count": 3, "components": 42}},
		Alerts:     []map[string]any{{"severity": "MEDIUM"}},
	}
	c := NewBaselineCalculator(WithClock(fixedClock))
	a, _ := c.Calculate(in)
	b, _ := c.Calculate(in)
	if a.OverallScore != b.OverallScore {
		t.Fatalf("OverallScore differs between runs: %v != %v", a.OverallScore, b.OverallScore)
	}
	a.RiskFactors = append(a.RiskFactors, RiskFactor{Name: "extra"})
	if len(b.RiskFactors) == len(a.RiskFactors) {
		t.Fatalf("RiskFactors slices are shared between results")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		score, saturation, max, want float64
	}{
		{0, 50, 4, 1},
		{25, 50, 4, 2.5},
		{50, 50, 4, 4},
		{51, 50, 4, 4},
		{250, 500, 1.5, 1.25},
	}
	for _, tt := range tests {
		if got := Normalize(tt.score, tt.saturation, tt.max); !approxEqual(got, tt.want) {
			t.Errorf("Normalize(%v, %v, %v) = %v, want %v", tt.score, tt.saturation, tt.max, got, tt.want)
		}
	}
}
