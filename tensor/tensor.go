package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-detector/device"
)

// Tensor is a dense row-major float64 array tagged with the device it lives on.
// Data is always host-addressable; the device tag tells the engine where to run.
type Tensor struct {
	Shape  []int         `json:"shape"`
	Data   []float64     `json:"data"`
	Device device.Device `json:"-"`
}

// ShapeMismatchError reports a tensor whose shape differs from its neighbours
type ShapeMismatchError struct {
	Index int
	Want  []int
	Got   []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor %d has shape %v, expected %v", e.Index, e.Got, e.Want)
}

// New creates a host tensor. A nil data slice allocates zeros.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	n := NumElements(shape)
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}

	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: device.Host,
	}, nil
}

// Zeros creates a zero-filled host tensor. It panics on an invalid shape.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// FromBoxes builds an [N, 4] tensor from box coordinates
func FromBoxes(boxes [][4]float64) *Tensor {
	data := make([]float64, 0, len(boxes)*4)
	for _, b := range boxes {
		data = append(data, b[:]...)
	}
	return &Tensor{Shape: []int{len(boxes), 4}, Data: data, Device: device.Host}
}

// FromInts builds a 1-D tensor from integer values
func FromInts(values []int) *Tensor {
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	return &Tensor{Shape: []int{len(values)}, Data: data, Device: device.Host}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, len(t.Data))
}

// NumElems returns the number of elements
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("index %v has %d dims, tensor has %d", idx, len(idx), len(t.Shape)))
	}
	offset, stride := 0, 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		if idx[i] < 0 || idx[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %v out of range for shape %v", idx, t.Shape))
		}
		offset += idx[i] * stride
		stride *= t.Shape[i]
	}
	return t.Data[offset]
}

// Clone returns a deep copy on the same device
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   append([]float64(nil), t.Data...),
		Device: t.Device,
	}
}

// To returns the tensor on the target device. A tensor already there is returned as is.
func (t *Tensor) To(dev device.Device) *Tensor {
	if t.Device == dev {
		return t
	}
	out := t.Clone()
	out.Device = dev
	return out
}

// Zero sets every element to zero in place
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// CopyFrom copies data from src, which must have the same shape
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t.Shape, src.Shape) {
		return &ShapeMismatchError{Want: t.Shape, Got: src.Shape}
	}
	copy(t.Data, src.Data)
	return nil
}

// Equal reports whether both tensors have the same shape and element values
func (t *Tensor) Equal(o *Tensor) bool {
	return SameShape(t.Shape, o.Shape) && floats.Equal(t.Data, o.Data)
}

// EqualApprox is Equal with an absolute tolerance
func (t *Tensor) EqualApprox(o *Tensor, tol float64) bool {
	return SameShape(t.Shape, o.Shape) && floats.EqualApprox(t.Data, o.Data, tol)
}

// Sum returns the sum of all elements
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// Stack joins equally shaped tensors along a new leading dimension
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("cannot stack an empty list of tensors")
	}

	first := ts[0].Shape
	for i, t := range ts[1:] {
		if !SameShape(first, t.Shape) {
			return nil, &ShapeMismatchError{Index: i + 1, Want: first, Got: t.Shape}
		}
	}

	per := NumElements(first)
	data := make([]float64, 0, per*len(ts))
	for _, t := range ts {
		data = append(data, t.Data...)
	}

	shape := append([]int{len(ts)}, first...)
	return &Tensor{Shape: shape, Data: data, Device: ts[0].Device}, nil
}

// NumElements returns the element count implied by a shape
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validateShape(shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("invalid dimension %d at axis %d in shape %v", d, i, shape)
		}
	}
	return nil
}
