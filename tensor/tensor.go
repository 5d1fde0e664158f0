package tensor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Tensor is a dense row-major float32 array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zeroed tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
	}
}

// FromData wraps data without copying
func FromData(data []float32, shape ...int) *Tensor {
	t := &Tensor{Data: data, Shape: shape}
	if t.Size() != len(data) {
		panic(fmt.Sprintf("shape %v does not match %d elements", shape, len(data)))
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Row returns the i-th slice along the first dimension as a view
func (t *Tensor) Row(i int) []float32 {
	stride := t.Size() / t.Shape[0]
	return t.Data[i*stride : (i+1)*stride]
}

// Clone deep-copies the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{Data: data, Shape: shape}
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Transpose swaps dimensions of a 2D tensor
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// minParallelWork is the multiply-add count below which Linear stays on one goroutine
const minParallelWork = 1 << 16

// Linear computes x·Wᵀ + b for x [n, in] and W [out, in], the PyTorch layout.
// Output features are split across CPUs.
func Linear(x *Tensor, w *Weight, bias *Tensor) *Tensor {
	n := x.Shape[0]
	in := x.Size() / n
	out := w.Rows()
	if w.Cols() != in {
		panic(fmt.Sprintf("linear: input dim %d does not match weight %v", in, w.Shape))
	}
	result := NewTensor(n, out)

	work := func(lo, hi int) {
		buf := make([]float32, in)
		for j := lo; j < hi; j++ {
			w.Row(j, buf)
			var b float32
			if bias != nil {
				b = bias.Data[j]
			}
			for i := 0; i < n; i++ {
				result.Data[i*out+j] = dot(x.Data[i*in:(i+1)*in], buf) + b
			}
		}
	}

	if n*in*out < minParallelWork {
		work(0, out)
		return result
	}
	parallelFor(out, work)
	return result
}

// parallelFor splits [0, n) into one contiguous chunk per CPU
func parallelFor(n int, fn func(lo, hi int)) {
	workers := min(runtime.NumCPU(), n)
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// SoftmaxRows applies softmax in place over each row of length cols
func SoftmaxRows(data []float32, cols int) {
	for off := 0; off+cols <= len(data); off += cols {
		row := data[off : off+cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// GELU applies the tanh approximation used by GPT-2
func GELU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		x3 := x * x * x
		inner := math.Sqrt(2.0/math.Pi) * float64(x+0.044715*x3)
		result.Data[i] = 0.5 * x * (1.0 + float32(math.Tanh(inner)))
	}
	return result
}

// SiLU applies x·sigmoid(x)
func SiLU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = x / (1 + float32(math.Exp(float64(-x))))
	}
	return result
}

// LayerNorm normalizes over the last dimension. A nil bias selects RMSNorm.
func LayerNorm(t *Tensor, weight, bias *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	hiddenSize := t.Shape[len(t.Shape)-1]
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		src := t.Data[i*hiddenSize : (i+1)*hiddenSize]
		dst := result.Data[i*hiddenSize : (i+1)*hiddenSize]

		if bias == nil {
			var ss float64
			for _, v := range src {
				ss += float64(v) * float64(v)
			}
			inv := float32(1 / math.Sqrt(ss/float64(hiddenSize)+float64(eps)))
			for j, v := range src {
				dst[j] = v * inv * weight.Data[j]
			}
			continue
		}

		var mean float64
		for _, v := range src {
			mean += float64(v)
		}
		mean /= float64(hiddenSize)
		var variance float64
		for _, v := range src {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(hiddenSize)
		inv := 1 / math.Sqrt(variance+float64(eps))
		for j, v := range src {
			dst[j] = float32((float64(v)-mean)*inv)*weight.Data[j] + bias.Data[j]
		}
	}
	return result
}

// CountNonFinite returns how many NaN and ±Inf values data holds
func CountNonFinite(data []float32) (nan, inf int) {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			nan++
		} else if math.IsInf(f, 0) {
			inf++
		}
	}
	return nan, inf
}
