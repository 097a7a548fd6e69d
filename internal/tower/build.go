package tower

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/backend"
	"github.com/raaihank/vision-tower/internal/config"
	"github.com/raaihank/vision-tower/internal/tensor"
)

// FromConfig constructs one tower from its configuration block.
func FromConfig(cfg config.TowerConfig, sharedLib string, factory backend.Factory, logger *zap.Logger) (Extractor, error) {
	opts := Options{
		SelectLayer:         cfg.SelectLayer,
		SelectFeature:       FeatureSelect(cfg.SelectFeature),
		PadToSquare:         cfg.PadSquare,
		Device:              tensor.Device(cfg.Device),
		DType:               tensor.DType(cfg.DType),
		DelayLoad:           cfg.DelayLoad,
		UnfreezeVisionTower: cfg.Unfreeze,
		TaskSet:             cfg.TaskSet,
		SharedLibPath:       sharedLib,
	}

	switch cfg.Kind {
	case "clip":
		return NewCLIPTower(cfg.Path, opts, factory, logger)
	case "vision2seq":
		return NewVision2SeqTower(cfg.Path, opts, factory, logger)
	default:
		return nil, fmt.Errorf("unknown tower kind: %s", cfg.Kind)
	}
}

// BuildRegistry constructs and registers every configured tower.
func BuildRegistry(cfgs []config.TowerConfig, sharedLib string, factory backend.Factory, logger *zap.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, cfg := range cfgs {
		t, err := FromConfig(cfg, sharedLib, factory, logger.With(zap.String("tower", cfg.Name)))
		if err != nil {
			registry.CloseAll()
			return nil, fmt.Errorf("building tower %s: %w", cfg.Name, err)
		}
		if err := registry.Add(cfg.Name, t); err != nil {
			registry.CloseAll()
			return nil, err
		}
	}
	return registry, nil
}
