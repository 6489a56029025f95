package monte

import (
	"math"
	"testing"
)

// mockDS is a small in-memory dataset implementing the Dataset interface used by Monte.
type mockDS struct {
	inputs  [][]float64
	targets []float64
}

func (m *mockDS) Len() int { return len(m.inputs) }

func (m *mockDS) Example(i int) ([][]float64, float64, error) {
	return [][]float64{m.inputs[i]}, m.targets[i], nil
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func newMock() *mockDS {
	return &mockDS{
		inputs: [][]float64{
			{50, 0, 20},
			{51, 1, 21},
			{52, 0, 19},
			{90, 30, 60},
		},
		targets: []float64{4, 5, 6, 40},
	}
}

func TestNewMonte_Validation(t *testing.T) {
	if _, err := NewMonte(nil, 3, 1); err == nil {
		t.Fatalf("expected error for nil dataset")
	}
	if _, err := NewMonte(newMock(), 0, 1); err == nil {
		t.Fatalf("expected error for k=0")
	}
}

func TestPredict_UsesNearestNeighbours(t *testing.T) {
	m, err := NewMonte(newMock(), 3, 12345)
	if err != nil {
		t.Fatalf("NewMonte: %v", err)
	}
	est, err := m.Predict([][]float64{{51, 0, 20}}, 50)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	if len(est.Draws) != 50 {
		t.Fatalf("expected 50 draws, got %d", len(est.Draws))
	}
	for _, idx := range est.Draws {
		if idx == 3 {
			t.Fatalf("far outlier was drawn")
		}
	}
	if est.Mean < 4 || est.Mean > 6 {
		t.Fatalf("mean %v outside neighbour target range [4, 6]", est.Mean)
	}
	if est.StdDev < 0 {
		t.Fatalf("negative spread %v", est.StdDev)
	}
}

func TestPredict_ExactMatchDominates(t *testing.T) {
	m, err := NewMonte(newMock(), 2, 7)
	if err != nil {
		t.Fatalf("NewMonte: %v", err)
	}
	est, err := m.Predict([][]float64{{90, 30, 60}}, 20)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if !approxEqual(est.Mean, 40, 1e-3) {
		t.Fatalf("expected exact match target 40, got %v", est.Mean)
	}
}

func TestPredict_Exclude(t *testing.T) {
	m, err := NewMonte(newMock(), 1, 7)
	if err != nil {
		t.Fatalf("NewMonte: %v", err)
	}
	est, err := m.Predict([][]float64{{50, 0, 20}}, 5, 0)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for _, idx := range est.Draws {
		if idx == 0 {
			t.Fatalf("excluded index was drawn")
		}
	}

	if _, err := m.Predict([][]float64{{50, 0, 20}}, 5, 0, 1, 2, 3); err == nil {
		t.Fatalf("expected error when every reference is excluded")
	}
}

func TestPredict_Deterministic(t *testing.T) {
	a, _ := NewMonte(newMock(), 3, 99)
	b, _ := NewMonte(newMock(), 3, 99)
	ea, err := a.Predict([][]float64{{51, 1, 20}}, 30)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	eb, err := b.Predict([][]float64{{51, 1, 20}}, 30)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if ea.Mean != eb.Mean {
		t.Fatalf("same seed gave different means: %v vs %v", ea.Mean, eb.Mean)
	}
	for i := range ea.Draws {
		if ea.Draws[i] != eb.Draws[i] {
			t.Fatalf("draw %d differs: %d vs %d", i, ea.Draws[i], eb.Draws[i])
		}
	}
}

func TestPredict_Errors(t *testing.T) {
	m, _ := NewMonte(newMock(), 3, 1)
	if _, err := m.Predict([][]float64{{1, 2, 3}}, 0); err == nil {
		t.Fatalf("expected error for numSims=0")
	}
	if _, err := m.Predict([][]float64{{1, 2}}, 3); err == nil {
		t.Fatalf("expected error when no reference has the query's shape")
	}
	empty, _ := NewMonte(&mockDS{}, 3, 1)
	if _, err := empty.Predict([][]float64{{1, 2, 3}}, 3); err == nil {
		t.Fatalf("expected error for empty dataset")
	}
	var nilMonte *Monte
	if _, err := nilMonte.Predict([][]float64{{1, 2, 3}}, 3); err == nil {
		t.Fatalf("expected error for nil Monte")
	}
}

func TestPredict_SingleDrawHasNoSpread(t *testing.T) {
	m, _ := NewMonte(newMock(), 3, 1)
	est, err := m.Predict([][]float64{{50, 0, 20}}, 1)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if est.StdDev != 0 {
		t.Fatalf("expected zero spread for one draw, got %v", est.StdDev)
	}
}
