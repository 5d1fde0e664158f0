package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is a safetensors element type
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// Size is the width of one element in bytes
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	}
	return 0
}

// Weight is a parameter matrix kept in its checkpoint dtype. Rows are
// widened to float32 on demand so half-precision checkpoints stay half size in memory.
type Weight struct {
	Shape []int
	DType DType

	raw []byte    // little-endian F16/BF16 values
	f32 []float32 // set for F32 weights
}

// NewWeight wraps a float32 tensor as a weight
func NewWeight(t *Tensor) *Weight {
	return &Weight{Shape: t.Shape, DType: F32, f32: t.Data}
}

func newRawWeight(dtype DType, shape []int, raw []byte) (*Weight, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
	if len(raw) != n*dtype.Size() {
		return nil, fmt.Errorf("%s tensor %v needs %d bytes, got %d", dtype, shape, n*dtype.Size(), len(raw))
	}
	if dtype == F32 {
		data := make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return &Weight{Shape: shape, DType: F32, f32: data}, nil
	}
	return &Weight{Shape: shape, DType: dtype, raw: raw}, nil
}

// Rows is the first dimension
func (w *Weight) Rows() int { return w.Shape[0] }

// Cols is the product of the remaining dimensions
func (w *Weight) Cols() int {
	c := 1
	for _, d := range w.Shape[1:] {
		c *= d
	}
	return c
}

// Len is the number of elements
func (w *Weight) Len() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// Row decodes row i into dst, which must hold Cols values.
func (w *Weight) Row(i int, dst []float32) {
	cols := w.Cols()
	w.decode(i*cols, dst[:cols])
}

func (w *Weight) decode(start int, dst []float32) {
	switch w.DType {
	case F32:
		copy(dst, w.f32[start:start+len(dst)])
	case F16:
		src := w.raw[start*2:]
		for j := range dst {
			dst[j] = float32FromFloat16(binary.LittleEndian.Uint16(src[j*2:]))
		}
	case BF16:
		src := w.raw[start*2:]
		for j := range dst {
			dst[j] = float32FromBFloat16(binary.LittleEndian.Uint16(src[j*2:]))
		}
	}
}

// Tensor widens the whole weight. Used for vectors and small matrices.
func (w *Weight) Tensor() *Tensor {
	t := NewTensor(append([]int{}, w.Shape...)...)
	w.decode(0, t.Data)
	return t
}

// Slice returns rows [lo, hi) as a new float32 weight
func (w *Weight) Slice(lo, hi int) *Weight {
	cols := w.Cols()
	data := make([]float32, (hi-lo)*cols)
	w.decode(lo*cols, data)
	shape := append([]int{hi - lo}, w.Shape[1:]...)
	return &Weight{Shape: shape, DType: F32, f32: data}
}

func float32FromFloat16(bits uint16) float32 {
	sign := uint32((bits >> 15) & 1)
	exp := uint32((bits >> 10) & 0x1F)
	frac := uint32(bits & 0x3FF)

	if exp == 0 {
		if frac == 0 {
			return math.Float32frombits(sign << 31)
		}
		// subnormal
		exp = 127 - 14
		for (frac & 0x400) == 0 {
			frac <<= 1
			exp--
		}
		frac &= 0x3FF
	} else if exp == 0x1F {
		exp = 0xFF
	} else {
		exp += 127 - 15
	}

	return math.Float32frombits((sign << 31) | (exp << 23) | (frac << 13))
}

// BF16 is the upper half of an FP32
func float32FromBFloat16(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}
