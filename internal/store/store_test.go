package store

import (
	"testing"
)

func TestVectorEncoding(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		in := []float32{0, 1, -1, 0.5, 3.14159, -2.71828}
		out, err := DecodeVector(EncodeVector(in))
		if err != nil {
			t.Fatalf("DecodeVector failed: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("Expected %d values, got %d", len(in), len(out))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Errorf("Value %d: expected %f, got %f", i, in[i], out[i])
			}
		}
	})

	t.Run("BadLength", func(t *testing.T) {
		if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
			t.Error("Expected error for byte length not divisible by 4")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		out, err := DecodeVector(EncodeVector(nil))
		if err != nil {
			t.Fatalf("DecodeVector failed: %v", err)
		}
		if len(out) != 0 {
			t.Errorf("Expected empty vector, got %d values", len(out))
		}
	})
}

func TestShapeFormatting(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		s := FormatShape([]int{3, 576, 1024})
		if s != "3x576x1024" {
			t.Errorf("Expected 3x576x1024, got %s", s)
		}
		shape, err := ParseShape(s)
		if err != nil {
			t.Fatalf("ParseShape failed: %v", err)
		}
		if len(shape) != 3 || shape[0] != 3 || shape[1] != 576 || shape[2] != 1024 {
			t.Errorf("Unexpected shape: %v", shape)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := ParseShape("3xax4"); err == nil {
			t.Error("Expected error for non-numeric dimension")
		}
		if _, err := ParseShape(""); err == nil {
			t.Error("Expected error for empty shape")
		}
	})
}
