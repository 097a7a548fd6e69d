package tensor

import (
	"fmt"

	"github.com/x448/float16"
)

// DType identifies the nominal element precision of a tensor.
type DType string

const (
	Float32 DType = "float32"
	Float16 DType = "float16"
)

// Device identifies where a tensor lives. The ONNX runtime decides actual
// placement; the tag travels with the tensor so callers can size and place
// their own buffers consistently.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// Tensor is a dense row-major tensor. Data is always backed by float32;
// a Float16 tensor carries values that have been quantized through IEEE
// half precision, so dtype round-trips are lossy exactly like the real thing.
//
// Tensors handed into a forward pass are treated as immutable; tensors
// returned from one are owned by the caller.
type Tensor struct {
	dtype  DType
	device Device
	shape  []int
	data   []float32
}

// New creates a tensor over data with the given shape. The data slice is
// taken over, not copied.
func New(dtype DType, device Device, shape []int, data []float32) (*Tensor, error) {
	n := numElems(shape)
	if len(data) != n {
		return nil, fmt.Errorf("tensor data length %d does not match shape %v (want %d)", len(data), shape, n)
	}
	t := &Tensor{dtype: dtype, device: device, shape: append([]int(nil), shape...), data: data}
	if dtype == Float16 {
		quantizeHalf(t.data)
	}
	return t, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(dtype DType, device Device, shape ...int) *Tensor {
	return &Tensor{
		dtype:  dtype,
		device: device,
		shape:  append([]int(nil), shape...),
		data:   make([]float32, numElems(shape)),
	}
}

func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Device() Device { return t.device }

// Shape returns the tensor dimensions. The returned slice is a copy.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.shape) }

// NumElems returns the total element count.
func (t *Tensor) NumElems() int { return len(t.data) }

// Data returns the flat backing slice.
func (t *Tensor) Data() []float32 { return t.data }

// Convert returns a copy of t with the given dtype. Converting to Float16
// quantizes every element through half precision.
func (t *Tensor) Convert(dtype DType) *Tensor {
	out := &Tensor{
		dtype:  dtype,
		device: t.device,
		shape:  append([]int(nil), t.shape...),
		data:   append([]float32(nil), t.data...),
	}
	if dtype == Float16 {
		quantizeHalf(out.data)
	}
	return out
}

// To returns a copy of t tagged for the given device.
func (t *Tensor) To(device Device) *Tensor {
	out := t.Convert(t.dtype)
	out.device = device
	return out
}

// NarrowSeq drops the first `start` tokens along the sequence dimension of a
// [batch, seq, hidden] tensor and returns the remainder as a new tensor.
func (t *Tensor) NarrowSeq(start int) (*Tensor, error) {
	if len(t.shape) != 3 {
		return nil, fmt.Errorf("sequence narrow expects a 3-d tensor, got shape %v", t.shape)
	}
	batch, seq, hidden := t.shape[0], t.shape[1], t.shape[2]
	if start < 0 || start > seq {
		return nil, fmt.Errorf("sequence narrow start %d out of range for length %d", start, seq)
	}
	kept := seq - start
	data := make([]float32, batch*kept*hidden)
	for b := 0; b < batch; b++ {
		src := (b*seq + start) * hidden
		dst := b * kept * hidden
		copy(data[dst:dst+kept*hidden], t.data[src:src+kept*hidden])
	}
	return &Tensor{dtype: t.dtype, device: t.device, shape: []int{batch, kept, hidden}, data: data}, nil
}

// WithBatch returns a view of a tensor with a leading batch dimension of one
// prepended, sharing the backing data.
func (t *Tensor) WithBatch() *Tensor {
	shape := append([]int{1}, t.shape...)
	return &Tensor{dtype: t.dtype, device: t.device, shape: shape, data: t.data}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func quantizeHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
