package math

import "testing"

func TestMean(t *testing.T) {
	tests := []struct {
		name     string
		data     []float64
		expected float64
	}{
		{"empty", nil, 0},
		{"single", []float64{4}, 4},
		{"several", []float64{1, 2, 3, 4}, 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mean(tt.data); got != tt.expected {
				t.Errorf("got %f, want %f", got, tt.expected)
			}
		})
	}
}

func TestStdDev(t *testing.T) {
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := StdDev(data, Mean(data)); got != 2 {
		t.Errorf("got %f, want 2", got)
	}
	if got := StdDev([]float64{3}, 3); got != 0 {
		t.Errorf("single sample should have zero deviation, got %f", got)
	}
}
