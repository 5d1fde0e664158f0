package tensor

import (
	"math"
	"testing"
)

func approx(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestLinear(t *testing.T) {
	// x [2,3], W [2,3] in [out,in] layout
	x := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	w := NewWeight(FromData([]float32{1, 0, 0, 0, 1, 1}, 2, 3))
	b := FromData([]float32{10, 20}, 2)

	y := Linear(x, w, b)
	want := []float32{11, 25, 14, 31}
	if y.Shape[0] != 2 || y.Shape[1] != 2 {
		t.Fatalf("Expected shape [2 2], got %v", y.Shape)
	}
	for i, v := range want {
		if y.Data[i] != v {
			t.Errorf("y[%d] = %v, want %v", i, y.Data[i], v)
		}
	}
}

func TestLinearParallelMatchesSerial(t *testing.T) {
	n, in, out := 8, 96, 128
	x := NewTensor(n, in)
	for i := range x.Data {
		x.Data[i] = float32(i%7) - 3
	}
	wt := NewTensor(out, in)
	for i := range wt.Data {
		wt.Data[i] = float32(i%5) * 0.25
	}
	y := Linear(x, NewWeight(wt), nil)

	for i := 0; i < n; i++ {
		for j := 0; j < out; j++ {
			var s float32
			for k := 0; k < in; k++ {
				s += x.Data[i*in+k] * wt.Data[j*in+k]
			}
			if !approx(y.Data[i*out+j], s, 1e-3) {
				t.Fatalf("y[%d,%d] = %v, want %v", i, j, y.Data[i*out+j], s)
			}
		}
	}
}

func TestSoftmaxRows(t *testing.T) {
	data := []float32{1, 2, 3, 0, 0, maskValue}
	SoftmaxRows(data, 3)
	for r := 0; r < 2; r++ {
		var sum float32
		for _, v := range data[r*3 : r*3+3] {
			sum += v
		}
		if !approx(sum, 1, 1e-6) {
			t.Errorf("row %d sums to %v", r, sum)
		}
	}
	if data[5] != 0 {
		t.Errorf("masked entry should be 0, got %v", data[5])
	}
	if !(data[2] > data[1] && data[1] > data[0]) {
		t.Errorf("softmax not monotonic: %v", data[:3])
	}
}

func TestRMSNorm(t *testing.T) {
	x := FromData([]float32{3, 4}, 1, 2)
	w := FromData([]float32{1, 2}, 2)
	y := LayerNorm(x, w, nil, 0)
	// rms = sqrt((9+16)/2)
	rms := float32(math.Sqrt(12.5))
	if !approx(y.Data[0], 3/rms, 1e-6) || !approx(y.Data[1], 8/rms, 1e-6) {
		t.Errorf("unexpected RMSNorm output %v", y.Data)
	}
}

func TestLayerNormWithBias(t *testing.T) {
	x := FromData([]float32{1, 3}, 1, 2)
	w := FromData([]float32{1, 1}, 2)
	b := FromData([]float32{0.5, 0.5}, 2)
	y := LayerNorm(x, w, b, 0)
	if !approx(y.Data[0], -0.5, 1e-6) || !approx(y.Data[1], 1.5, 1e-6) {
		t.Errorf("unexpected LayerNorm output %v", y.Data)
	}
}

func TestActivations(t *testing.T) {
	x := FromData([]float32{0, 1, -1}, 3)
	s := SiLU(x)
	if s.Data[0] != 0 || !approx(s.Data[1], 0.7310586, 1e-6) || !approx(s.Data[2], -0.2689414, 1e-6) {
		t.Errorf("unexpected SiLU %v", s.Data)
	}
	g := GELU(x)
	if g.Data[0] != 0 || !approx(g.Data[1], 0.841192, 1e-5) {
		t.Errorf("unexpected GELU %v", g.Data)
	}
}

func TestRoPE(t *testing.T) {
	rc := NewRoPECache(4, 8, 10000)

	// position 0 is the identity
	x := FromData([]float32{1, 2, 3, 4, 1, 2, 3, 4}, 2, 4)
	if err := rc.Apply(x, 1); err != nil {
		t.Fatal(err)
	}
	for i, want := range []float32{1, 2, 3, 4} {
		if x.Data[i] != want {
			t.Errorf("position 0 changed: %v", x.Data[:4])
			break
		}
	}

	// rotation pairs (i, i+half) and preserves their norm
	a, b := x.Data[4], x.Data[6]
	if !approx(a*a+b*b, 1+9, 1e-5) {
		t.Errorf("pair (0,2) norm changed: %v", a*a+b*b)
	}
	cos, sin := float32(math.Cos(1)), float32(math.Sin(1))
	if !approx(a, 1*cos-3*sin, 1e-6) || !approx(b, 3*cos+1*sin, 1e-6) {
		t.Errorf("unexpected rotation at position 1: %v %v", a, b)
	}

	long := NewTensor(9, 4)
	if err := rc.Apply(long, 1); err == nil {
		t.Errorf("expected error past the cache length")
	}
}

func TestHalfPrecision(t *testing.T) {
	tests := []struct {
		bits uint16
		want float32
	}{
		{0x3C00, 1},
		{0xC000, -2},
		{0x3800, 0.5},
		{0x0000, 0},
		{0x0001, float32(math.Pow(2, -24))},
	}
	for _, tt := range tests {
		if got := float32FromFloat16(tt.bits); got != tt.want {
			t.Errorf("float32FromFloat16(%#04x) = %v, want %v", tt.bits, got, tt.want)
		}
	}
	if got := float32FromFloat16(0x7C00); !math.IsInf(float64(got), 1) {
		t.Errorf("Expected +Inf, got %v", got)
	}
	if got := float32FromBFloat16(0x3F80); got != 1 {
		t.Errorf("float32FromBFloat16(0x3F80) = %v, want 1", got)
	}
}

func TestCountNonFinite(t *testing.T) {
	data := []float32{1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), 0}
	nan, inf := CountNonFinite(data)
	if nan != 1 || inf != 2 {
		t.Errorf("CountNonFinite = %d, %d; want 1, 2", nan, inf)
	}
}

func TestWeightSlice(t *testing.T) {
	w := NewWeight(FromData([]float32{1, 2, 3, 4, 5, 6}, 3, 2))
	s := w.Slice(1, 3)
	if s.Rows() != 2 || s.Cols() != 2 {
		t.Fatalf("unexpected slice shape %v", s.Shape)
	}
	row := make([]float32, 2)
	s.Row(1, row)
	if row[0] != 5 || row[1] != 6 {
		t.Errorf("unexpected row %v", row)
	}
}
