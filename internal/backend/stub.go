//go:build !onnx
// +build !onnx

package backend

import (
	"go.uber.org/zap"
)

// stubFactory is used when built without ONNX support. To enable inference,
// build with: CGO_ENABLED=1 go build -tags=onnx
type stubFactory struct{}

// NewFactory returns a factory whose sessions cannot be opened.
func NewFactory(logger *zap.Logger) (Factory, error) {
	logger.Warn("Built without an inference runtime; model loading will fail",
		zap.String("hint", "rebuild with -tags=onnx"))
	return stubFactory{}, nil
}

func (stubFactory) OpenVision(modelPath string, opts Options) (VisionSession, error) {
	return nil, ErrNotSupported
}

func (stubFactory) OpenVision2Seq(modelPath string, opts Options) (Vision2SeqSession, error) {
	return nil, ErrNotSupported
}
