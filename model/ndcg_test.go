package model

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func TestNDCG(t *testing.T) {
	tests := []struct {
		name  string
		yTrue []float64
		yPred []float64
		k     int
		want  float64
	}{
		{"perfect order", []float64{3, 2, 1}, []float64{0.9, 0.5, 0.1}, 0, 1},
		{"reversed", []float64{3, 2, 1}, []float64{1, 2, 3}, 0, 3.7618595 / 4.7618595},
		{"constant labels", []float64{2, 2, 2}, []float64{1, 2, 3}, 0, 0},
		{"top-1 hit", []float64{0, 5, 1}, []float64{0, 9, 1}, 1, 1},
		{"negative labels are shifted", []float64{-1, 0, 1}, []float64{3, 2, 1}, 0, (1 + 1/math.Log2(3)) / (2 + 1/math.Log2(3))},
		{"length mismatch", []float64{1, 2}, []float64{1}, 0, 0},
		{"empty", nil, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NDCG(tt.yTrue, tt.yPred, tt.k)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("NDCG() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGroupNDCG(t *testing.T) {
	y := []float64{3, 2, 1, 5, 5, 1, 2}
	pred := []float64{3, 2, 1, 0, 0, 1, 2}
	// 第二组标签全相同被跳过；第一组和第三组都完全有序
	if got := GroupNDCG(y, pred, []int{3, 2, 2}); math.Abs(got-1) > 1e-9 {
		t.Errorf("GroupNDCG() = %v, want 1", got)
	}
	if got := GroupNDCG([]float64{1, 1}, []float64{1, 2}, []int{2}); got != 0 {
		t.Errorf("GroupNDCG(constant) = %v, want 0", got)
	}
	if got, want := GroupNDCG(y[:3], pred[:3], nil), NDCG(y[:3], pred[:3], 0); got != want {
		t.Errorf("GroupNDCG(nil groups) = %v, want %v", got, want)
	}
}

func TestRankLabels(t *testing.T) {
	got := RankLabels([]float64{2.5, 1.0, 2.5, 7})
	want := []float64{1, 0, 1, 2}
	if !slices.Equal(got, want) {
		t.Errorf("RankLabels() = %v, want %v", got, want)
	}
}

func TestJitterTies(t *testing.T) {
	y := []float64{1, 2, 2, 2, 3, 1}
	got := JitterTies(y)

	seen := make(map[float64]bool)
	for _, v := range got {
		if seen[v] {
			t.Fatalf("JitterTies() left a tie: %v", got)
		}
		seen[v] = true
	}
	for i := range y {
		for j := range y {
			if y[i] < y[j] && got[i] >= got[j] {
				t.Fatalf("JitterTies() changed order of %d and %d: %v", i, j, got)
			}
		}
		if math.Abs(got[i]-y[i]) > tieEpsilon*2 {
			t.Errorf("JitterTies() moved %v to %v", y[i], got[i])
		}
	}
	if !slices.Equal(got, JitterTies(y)) {
		t.Errorf("JitterTies() is not deterministic")
	}
	unique := []float64{3, 1, 2}
	if !slices.Equal(JitterTies(unique), unique) {
		t.Errorf("JitterTies() changed values without ties")
	}
}

func TestSplitByGroups(t *testing.T) {
	groups := []int{3, 5, 2, 4, 6}
	s := splitByGroups(20, groups, 0.2, newRand(1))
	if !s.byGroup {
		t.Fatalf("byGroup = false, want true")
	}
	if len(s.trainGroups) == 0 || len(s.valGroups) == 0 {
		t.Fatalf("both sides need a group: %+v", s)
	}
	if len(s.trainRows)+len(s.valRows) != 20 {
		t.Errorf("rows = %d + %d, want 20", len(s.trainRows), len(s.valRows))
	}

	// 每一组完整地落在某一侧
	groupOf := make([]int, 0, 20)
	for gi, size := range groups {
		for range size {
			groupOf = append(groupOf, gi)
		}
	}
	side := make(map[int]string)
	for _, r := range s.trainRows {
		side[groupOf[r]] += "t"
	}
	for _, r := range s.valRows {
		side[groupOf[r]] += "v"
	}
	for gi, sides := range side {
		if sides != string(slices.Repeat([]byte{sides[0]}, len(sides))) {
			t.Errorf("group %d split across sides: %q", gi, sides)
		}
	}
	sum := 0
	for _, g := range s.valGroups {
		sum += g
	}
	if sum != len(s.valRows) {
		t.Errorf("val groups sum %d != val rows %d", sum, len(s.valRows))
	}
}

func TestSplitBySample(t *testing.T) {
	tests := []struct {
		n, wantVal int
	}{
		{10, 2}, {2, 1}, {3, 1}, {1, 0},
	}
	for _, tt := range tests {
		s := splitByGroups(tt.n, []int{tt.n}, 0.2, newRand(7))
		if s.byGroup {
			t.Errorf("n=%d: single group should fall back to per-sample split", tt.n)
		}
		if len(s.valRows) != tt.wantVal || len(s.trainRows) != tt.n-tt.wantVal {
			t.Errorf("n=%d: split %d/%d, want val %d", tt.n, len(s.trainRows), len(s.valRows), tt.wantVal)
		}
		if tt.wantVal > 0 && (s.trainGroups[0] != len(s.trainRows) || s.valGroups[0] != len(s.valRows)) {
			t.Errorf("n=%d: synthetic groups %v/%v", tt.n, s.trainGroups, s.valGroups)
		}
		if !slices.IsSorted(s.trainRows) || !slices.IsSorted(s.valRows) {
			t.Errorf("n=%d: rows should keep original order", tt.n)
		}
	}
}

func TestCorrelationImportance(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	var (
		X [][]float64
		y []float64
	)
	for range 50 {
		a, b := rng.Float64(), rng.Float64()
		X = append(X, []float64{a, 1, b})
		y = append(y, 3*a+0.01*b)
	}
	imp := CorrelationImportance(X, y)
	if imp[1] != 0 {
		t.Errorf("constant feature importance = %v, want 0", imp[1])
	}
	if imp[0] <= imp[2] {
		t.Errorf("correlated feature should dominate: %v", imp)
	}

	got, source := resolveImportance(make([]float64, 3), X, y)
	if source != ImportanceCorrelation {
		t.Errorf("source = %q, want %q", source, ImportanceCorrelation)
	}
	if math.Abs(got[0]+got[1]+got[2]-1) > 1e-9 {
		t.Errorf("importance not L1 normalized: %v", got)
	}

	flat := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}}
	got, source = resolveImportance([]float64{0, 0}, flat, []float64{1, 2, 3, 4})
	if source != ImportanceEqual || got[0] != 0.5 || got[1] != 0.5 {
		t.Errorf("resolveImportance(flat) = %v %q, want equal", got, source)
	}

	got, source = resolveImportance([]float64{3, 1}, flat, []float64{1, 2, 3, 4})
	if source != ImportanceNative || got[0] != 0.75 {
		t.Errorf("resolveImportance(native) = %v %q", got, source)
	}
}

func TestPearsonPValue(t *testing.T) {
	if p := pearsonPValue(0, 30); math.Abs(p-1) > 1e-9 {
		t.Errorf("p(r=0) = %v, want 1", p)
	}
	if p := pearsonPValue(0.9, 30); p > 1e-6 {
		t.Errorf("p(r=0.9, n=30) = %v, want ~0", p)
	}
	if p := pearsonPValue(0.5, 2); p != 1 {
		t.Errorf("p(n=2) = %v, want 1", p)
	}
}
