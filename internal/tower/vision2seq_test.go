package tower

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/backend"
	"github.com/raaihank/vision-tower/internal/tensor"
)

const (
	fakeImageSeq = 50
	fakeHidden   = 768
	fakeVocab    = 32
)

// fakeSeqSession records inputs and produces shape-correct outputs with
// recognizable fill values per stage.
type fakeSeqSession struct {
	embedCalls  [][][]int64
	decodeStart [][]int64
	closed      bool
}

func filled(shape []int, value float32, device tensor.Device) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = value
	}
	t, _ := tensor.New(tensor.Float32, device, shape, data)
	return t
}

func (s *fakeSeqSession) EncodeImage(ctx context.Context, pixels *tensor.Tensor) (*tensor.Tensor, error) {
	return filled([]int{pixels.Dim(0), fakeImageSeq, fakeHidden}, 1, pixels.Device()), nil
}

func (s *fakeSeqSession) EmbedTokens(ctx context.Context, ids [][]int64) (*tensor.Tensor, error) {
	s.embedCalls = append(s.embedCalls, ids)
	return filled([]int{len(ids), len(ids[0]), fakeHidden}, 2, tensor.CPU), nil
}

func (s *fakeSeqSession) Encode(ctx context.Context, inputsEmbeds *tensor.Tensor) (*tensor.Tensor, error) {
	return filled(inputsEmbeds.Shape(), 3, inputsEmbeds.Device()), nil
}

func (s *fakeSeqSession) Decode(ctx context.Context, encoderHidden *tensor.Tensor, inputIDs [][]int64) (*tensor.Tensor, error) {
	s.decodeStart = inputIDs
	logits := filled([]int{len(inputIDs), fakeVocab}, 0, encoderHidden.Device())
	for b := 0; b < len(inputIDs); b++ {
		logits.Data()[b*fakeVocab+7] = 1 // greedy pick is always token 7
	}
	return logits, nil
}

func (s *fakeSeqSession) Close() error {
	s.closed = true
	return nil
}

type fakeSeqFactory struct {
	openCalls int
	session   *fakeSeqSession
}

func (f *fakeSeqFactory) OpenVision(modelPath string, opts backend.Options) (backend.VisionSession, error) {
	return nil, errors.New("not a vision factory")
}

func (f *fakeSeqFactory) OpenVision2Seq(modelPath string, opts backend.Options) (backend.Vision2SeqSession, error) {
	f.openCalls++
	return f.session, nil
}

func writeSeqModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
		"vision_config": {"image_size": 768, "patch_size": 16},
		"text_config": {"d_model": %d, "decoder_start_token_id": 2}
	}`, fakeHidden)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config.json: %v", err)
	}
	return dir
}

func newTestSeqTower(t *testing.T, opts Options) (*Vision2SeqTower, *fakeSeqFactory) {
	t.Helper()
	factory := &fakeSeqFactory{session: &fakeSeqSession{}}
	tw, err := NewVision2SeqTower(writeSeqModelDir(t), opts, factory, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create tower: %v", err)
	}
	return tw, factory
}

func TestVision2SeqTowerForward(t *testing.T) {
	tw, factory := newTestSeqTower(t, Options{SelectLayer: -1})
	img := tensor.Zeros(tensor.Float32, tensor.CPU, 1, 3, 768, 768)

	features, lastHidden, err := tw.Forward(context.Background(), img)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	t.Run("FeaturesTiledAcrossTasks", func(t *testing.T) {
		if features.Dim(0) != DefaultTaskSet.Len() {
			t.Errorf("Expected %d feature rows, got %d", DefaultTaskSet.Len(), features.Dim(0))
		}
		if features.Dim(2) != fakeHidden {
			t.Errorf("Expected hidden %d, got %d", fakeHidden, features.Dim(2))
		}
	})

	t.Run("LastHiddenCoversImageAndPrompt", func(t *testing.T) {
		promptLen := len(DefaultTaskSet.Prompts[0].IDs)
		if lastHidden.Dim(1) != fakeImageSeq+promptLen {
			t.Errorf("Expected sequence %d, got %d", fakeImageSeq+promptLen, lastHidden.Dim(1))
		}
	})

	t.Run("PromptRowsMatchTaskTable", func(t *testing.T) {
		if len(factory.session.embedCalls) == 0 {
			t.Fatal("EmbedTokens was never called")
		}
		rows := factory.session.embedCalls[0]
		if len(rows) != DefaultTaskSet.Len() {
			t.Fatalf("Expected %d prompt rows, got %d", DefaultTaskSet.Len(), len(rows))
		}
		for i, row := range rows {
			want := DefaultTaskSet.Prompts[i].IDs
			if len(row) != len(want) {
				t.Fatalf("Row %d length %d, want %d", i, len(row), len(want))
			}
			for j := range row {
				if row[j] != want[j] {
					t.Errorf("Row %d token %d: expected %d, got %d", i, j, want[j], row[j])
				}
			}
		}
	})

	t.Run("SingleGreedyDecodeStep", func(t *testing.T) {
		start := factory.session.decodeStart
		if len(start) != DefaultTaskSet.Len() {
			t.Fatalf("Expected %d decoder rows, got %d", DefaultTaskSet.Len(), len(start))
		}
		for i, row := range start {
			if len(row) != 1 {
				t.Errorf("Row %d: generation budget is one step, got %d start tokens", i, len(row))
			}
			if row[0] != 2 {
				t.Errorf("Row %d: expected decoder start token 2, got %d", i, row[0])
			}
		}
	})
}

func TestVision2SeqTowerBatchRules(t *testing.T) {
	tw, _ := newTestSeqTower(t, Options{SelectLayer: -1})

	t.Run("MatchingBatchPassesThrough", func(t *testing.T) {
		img := tensor.Zeros(tensor.Float32, tensor.CPU, DefaultTaskSet.Len(), 3, 768, 768)
		features, _, err := tw.Forward(context.Background(), img)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if features.Dim(0) != DefaultTaskSet.Len() {
			t.Errorf("Expected %d rows, got %d", DefaultTaskSet.Len(), features.Dim(0))
		}
	})

	t.Run("MismatchedBatchFails", func(t *testing.T) {
		img := tensor.Zeros(tensor.Float32, tensor.CPU, 2, 3, 768, 768)
		if _, _, err := tw.Forward(context.Background(), img); err == nil {
			t.Error("Expected error for batch that matches neither 1 nor the task count")
		}
	})
}

func TestVision2SeqTowerDtype(t *testing.T) {
	tw, _ := newTestSeqTower(t, Options{SelectLayer: -1})
	img := tensor.Zeros(tensor.Float16, tensor.CPU, 1, 3, 768, 768)

	features, lastHidden, err := tw.Forward(context.Background(), img)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if features.DType() != tensor.Float16 || lastHidden.DType() != tensor.Float16 {
		t.Errorf("Outputs should match input dtype: got %s and %s", features.DType(), lastHidden.DType())
	}
}

func TestVision2SeqTowerLoadIdempotent(t *testing.T) {
	tw, factory := newTestSeqTower(t, Options{SelectLayer: -1})
	if err := tw.LoadModel(context.Background()); err != nil {
		t.Fatalf("Second LoadModel should be a no-op: %v", err)
	}
	if factory.openCalls != 1 {
		t.Errorf("Expected exactly 1 session open, got %d", factory.openCalls)
	}
	if !tw.IsLoaded() {
		t.Error("Tower should stay loaded")
	}
}

func TestVision2SeqTowerTaskSets(t *testing.T) {
	t.Run("ExtendedSelectable", func(t *testing.T) {
		tw, _ := newTestSeqTower(t, Options{SelectLayer: -1, TaskSet: "extended"})
		if tw.TaskSet().Len() != 8 {
			t.Errorf("Extended set should have 8 tasks, got %d", tw.TaskSet().Len())
		}
	})

	t.Run("UnknownRejected", func(t *testing.T) {
		factory := &fakeSeqFactory{session: &fakeSeqSession{}}
		_, err := NewVision2SeqTower(writeSeqModelDir(t), Options{SelectLayer: -1, TaskSet: "nope"}, factory, zap.NewNop())
		if err == nil {
			t.Error("Expected error for unknown task set")
		}
	})

	t.Run("RowsShareOneLength", func(t *testing.T) {
		for _, set := range []*TaskPromptSet{&DefaultTaskSet, &ExtendedTaskSet} {
			want := len(set.Prompts[0].IDs)
			for _, p := range set.Prompts {
				if len(p.IDs) != want {
					t.Errorf("Set %s task %s: row length %d, want %d", set.Name, p.Name, len(p.IDs), want)
				}
			}
		}
	})
}

func TestVision2SeqTowerDummyFeature(t *testing.T) {
	tw, _ := newTestSeqTower(t, Options{SelectLayer: -1})
	dummy := tw.DummyFeature()
	shape := dummy.Shape()
	if len(shape) != 2 || shape[0] != 1 || shape[1] != fakeHidden {
		t.Errorf("Expected shape [1 %d], got %v", fakeHidden, shape)
	}
}
