package tower

import "fmt"

// TaskPrompt is one fixed instruction sequence fed to the vision2seq decoder
// prompt. Token IDs are pre-tokenized and padded to a common length; they are
// inference-time policy, not learned state.
type TaskPrompt struct {
	Name   string
	Prompt string
	IDs    []int64
}

// TaskPromptSet is a named batch of task prompts run together as the
// decoding prompt of a single forward pass.
type TaskPromptSet struct {
	Name    string
	Prompts []TaskPrompt
}

// Rows returns the token matrix, one row per task.
func (s *TaskPromptSet) Rows() [][]int64 {
	rows := make([][]int64, len(s.Prompts))
	for i, p := range s.Prompts {
		rows[i] = p.IDs
	}
	return rows
}

// Len returns the number of tasks in the set.
func (s *TaskPromptSet) Len() int { return len(s.Prompts) }

// DefaultTaskSet is the three-task prompt batch used for feature extraction:
// a detailed caption, an OCR pass, and a dense region caption.
var DefaultTaskSet = TaskPromptSet{
	Name: "default",
	Prompts: []TaskPrompt{
		{
			Name:   "detailed_caption",
			Prompt: "Describe in detail what is shown in the image.",
			IDs:    []int64{0, 47066, 21700, 11, 4617, 99, 16, 2343, 11, 5, 2274, 4, 2, 1},
		},
		{
			Name:   "ocr",
			Prompt: "What is the text in the image?",
			IDs:    []int64{0, 2264, 16, 5, 2788, 11, 5, 2274, 116, 2, 1, 1, 1, 1},
		},
		{
			Name:   "dense_region_caption",
			Prompt: "Locate the objects in the image, with their descriptions.",
			IDs:    []int64{0, 574, 22486, 5, 8720, 11, 5, 2274, 6, 19, 49, 24173, 4, 2},
		},
	},
}

// ExtendedTaskSet covers the full eight-task prompt battery. Kept selectable
// rather than default; see the task_set configuration field.
var ExtendedTaskSet = TaskPromptSet{
	Name: "extended",
	Prompts: []TaskPrompt{
		{
			Name:   "ocr",
			Prompt: "What is the text in the image?",
			IDs:    []int64{0, 2264, 16, 5, 2788, 11, 5, 2274, 116, 2, 1, 1, 1, 1},
		},
		{
			Name:   "ocr_with_region",
			Prompt: "What is the text in the image, with regions?",
			IDs:    []int64{0, 2264, 16, 5, 2788, 11, 5, 2274, 6, 19, 3806, 116, 2, 1},
		},
		{
			Name:   "caption",
			Prompt: "What does the image describe?",
			IDs:    []int64{0, 2264, 473, 5, 2274, 6190, 116, 2, 1, 1, 1, 1, 1, 1},
		},
		{
			Name:   "detailed_caption",
			Prompt: "Describe in detail what is shown in the image.",
			IDs:    []int64{0, 47066, 21700, 11, 4617, 99, 16, 2343, 11, 5, 2274, 4, 2, 1},
		},
		{
			Name:   "more_detailed_caption",
			Prompt: "Describe with a paragraph what is shown in the image.",
			IDs:    []int64{0, 47066, 21700, 19, 10, 17818, 99, 16, 2343, 11, 5, 2274, 4, 2},
		},
		{
			Name:   "object_detection",
			Prompt: "Locate the objects with category name in the image.",
			IDs:    []int64{0, 574, 22486, 5, 8720, 19, 4120, 766, 11, 5, 2274, 4, 2, 1},
		},
		{
			Name:   "dense_region_caption",
			Prompt: "Locate the objects in the image, with their descriptions.",
			IDs:    []int64{0, 574, 22486, 5, 8720, 11, 5, 2274, 6, 19, 49, 24173, 4, 2},
		},
		{
			Name:   "region_proposal",
			Prompt: "Locate the region proposals in the image.",
			IDs:    []int64{0, 574, 22486, 5, 976, 5327, 11, 5, 2274, 4, 2, 1, 1, 1},
		},
	},
}

// TaskSetByName resolves a configured task set name. Empty means default.
func TaskSetByName(name string) (*TaskPromptSet, error) {
	switch name {
	case "", DefaultTaskSet.Name:
		return &DefaultTaskSet, nil
	case ExtendedTaskSet.Name:
		return &ExtendedTaskSet, nil
	default:
		return nil, fmt.Errorf("unknown task set: %q (available: default, extended)", name)
	}
}
