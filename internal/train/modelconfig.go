package train

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// modelConfigName is the model-config record inside a training directory,
// written once at directory creation and immutable thereafter.
const modelConfigName = "model.config.json"

// ModelConfig is the opaque configuration blob for a model kind. The
// orchestrator only interprets the fixup flag (it selects the schedule
// presets); everything else passes through to the model collaborator.
type ModelConfig map[string]any

// UseFixup reports whether the model uses fixup initialization.
func (c ModelConfig) UseFixup() bool {
	b, _ := c["use_fixup"].(bool)
	return b
}

// ModelConfigPath returns the model-config record path for a training
// directory.
func ModelConfigPath(trainDir string) string {
	return filepath.Join(trainDir, modelConfigName)
}

// LoadOrCreateModelConfig returns the training directory's model config,
// creating it from the registry entry for kind on first use. Once the
// record exists the registry (and the configured kind) is ignored for the
// life of the training directory.
func LoadOrCreateModelConfig(trainDir, kind string, registry map[string]ModelConfig, logger *slog.Logger) (ModelConfig, error) {
	path := ModelConfigPath(trainDir)

	var cfg ModelConfig

	err := atomicfile.ReadJSON(path, &cfg)
	if err == nil {
		logger.Info("loaded existing model config", slog.String("path", path))
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}

	logger.Info("initializing new model config",
		slog.String("kind", kind), slog.String("path", path))

	if err := atomicfile.WriteJSON(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
