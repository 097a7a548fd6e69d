package tensor

import (
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("ShapeMismatch", func(t *testing.T) {
		_, err := New(Float32, CPU, []int{2, 3}, make([]float32, 5))
		if err == nil {
			t.Error("Expected error for mismatched data length")
		}
	})

	t.Run("Valid", func(t *testing.T) {
		ten, err := New(Float32, CPU, []int{2, 3}, make([]float32, 6))
		if err != nil {
			t.Fatalf("Failed to create tensor: %v", err)
		}
		if ten.NumElems() != 6 {
			t.Errorf("Expected 6 elements, got %d", ten.NumElems())
		}
		if ten.Dim(1) != 3 {
			t.Errorf("Expected dim 1 to be 3, got %d", ten.Dim(1))
		}
	})
}

func TestZeros(t *testing.T) {
	ten := Zeros(Float32, CPU, 1, 1024)
	if ten.Dims() != 2 {
		t.Fatalf("Expected 2 dims, got %d", ten.Dims())
	}
	for i, v := range ten.Data() {
		if v != 0 {
			t.Fatalf("Element %d is not zero: %f", i, v)
		}
	}
}

func TestConvert(t *testing.T) {
	t.Run("HalfQuantizes", func(t *testing.T) {
		// 1/3 is not representable in half precision.
		ten, _ := New(Float32, CPU, []int{1}, []float32{1.0 / 3.0})
		half := ten.Convert(Float16)
		if half.DType() != Float16 {
			t.Errorf("Expected dtype float16, got %s", half.DType())
		}
		if half.Data()[0] == ten.Data()[0] {
			t.Error("Half conversion should lose precision for 1/3")
		}
	})

	t.Run("RoundTripStable", func(t *testing.T) {
		ten, _ := New(Float16, CPU, []int{2}, []float32{0.5, -2.25})
		again := ten.Convert(Float16)
		for i := range ten.Data() {
			if ten.Data()[i] != again.Data()[i] {
				t.Errorf("Element %d changed on repeated conversion", i)
			}
		}
	})

	t.Run("DoesNotMutateSource", func(t *testing.T) {
		ten, _ := New(Float32, CPU, []int{1}, []float32{1.0 / 3.0})
		_ = ten.Convert(Float16)
		if ten.Data()[0] != 1.0/3.0 {
			t.Error("Convert mutated the source tensor")
		}
	})
}

func TestNarrowSeq(t *testing.T) {
	// [batch=2, seq=3, hidden=2]
	data := []float32{
		1, 1, 2, 2, 3, 3,
		4, 4, 5, 5, 6, 6,
	}
	ten, _ := New(Float32, CPU, []int{2, 3, 2}, data)

	t.Run("DropLeadingToken", func(t *testing.T) {
		out, err := ten.NarrowSeq(1)
		if err != nil {
			t.Fatalf("NarrowSeq failed: %v", err)
		}
		wantShape := []int{2, 2, 2}
		for i, d := range wantShape {
			if out.Dim(i) != d {
				t.Fatalf("Dim %d: expected %d, got %d", i, d, out.Dim(i))
			}
		}
		want := []float32{2, 2, 3, 3, 5, 5, 6, 6}
		for i, v := range want {
			if out.Data()[i] != v {
				t.Errorf("Element %d: expected %f, got %f", i, v, out.Data()[i])
			}
		}
	})

	t.Run("ZeroKeepsAll", func(t *testing.T) {
		out, err := ten.NarrowSeq(0)
		if err != nil {
			t.Fatalf("NarrowSeq failed: %v", err)
		}
		if out.Dim(1) != 3 {
			t.Errorf("Expected full sequence, got %d tokens", out.Dim(1))
		}
	})

	t.Run("RejectsNon3D", func(t *testing.T) {
		flat := Zeros(Float32, CPU, 4)
		if _, err := flat.NarrowSeq(1); err == nil {
			t.Error("Expected error for non-3d tensor")
		}
	})
}

func TestWithBatch(t *testing.T) {
	img := Zeros(Float32, CPU, 3, 224, 224)
	batched := img.WithBatch()
	if batched.Dims() != 4 || batched.Dim(0) != 1 {
		t.Errorf("Expected shape [1 3 224 224], got %v", batched.Shape())
	}
}
