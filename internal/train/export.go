package train

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// ExportDecision is the outcome of one completed epoch: either skip, or
// export under the given snapshot name.
type ExportDecision struct {
	Export bool
	Name   string
}

// ExportCycleController decides, once per epoch, whether to export a
// model snapshot for external consumption, and performs the export
// atomically when asked.
type ExportCycleController struct {
	epochsPerExport int
	exportProb      *float64 // nil: no random skip
	disabled        bool
	prefix          string
	exportDir       string

	store           *CheckpointStore
	history         *History
	modelConfigPath string

	rng    *rand.Rand
	logger *slog.Logger
}

// NewExportCycleController creates a controller. exportProb may be nil to
// disable the random skip; disabled clamps the cycle counter and never
// exports.
func NewExportCycleController(
	epochsPerExport int,
	exportProb *float64,
	disabled bool,
	prefix, exportDir, modelConfigPath string,
	store *CheckpointStore,
	history *History,
	rng *rand.Rand,
	logger *slog.Logger,
) *ExportCycleController {
	return &ExportCycleController{
		epochsPerExport: epochsPerExport,
		exportProb:      exportProb,
		disabled:        disabled,
		prefix:          prefix,
		exportDir:       exportDir,
		modelConfigPath: modelConfigPath,
		store:           store,
		history:         history,
		rng:             rng,
		logger:          logger,
	}
}

// OnEpochComplete advances the export cycle counter and decides whether
// this epoch ends with an export. When exporting is disabled the counter
// is clamped at the period so it never grows without bound. The optional
// random skip decorrelates export timing across parallel runs; the cycle
// counter still resets when it fires.
func (c *ExportCycleController) OnEpochComplete(st *PersistentState, lastRow int64) ExportDecision {
	st.ExportCycleCounter++
	c.logger.Info("export cycle counter advanced",
		slog.Int("counter", st.ExportCycleCounter),
		slog.Int("epochs_per_export", c.epochsPerExport),
	)

	timeToExport := false

	if st.ExportCycleCounter >= c.epochsPerExport {
		if c.disabled {
			st.ExportCycleCounter = c.epochsPerExport
		} else {
			st.ExportCycleCounter = 0
			timeToExport = true
		}
	}

	if c.exportProb != nil && c.rng.Float64() > *c.exportProb {
		c.logger.Info("randomly skipping export this cycle")
		return ExportDecision{}
	}

	if c.disabled || !timeToExport {
		return ExportDecision{}
	}

	return ExportDecision{
		Export: true,
		Name:   fmt.Sprintf("%s-s%d-d%d", c.prefix, st.GlobalStepSamples, lastRow),
	}
}

// Export publishes bundle under name: the checkpoint, a model-config
// copy, and a history copy are written into a temporary directory which
// is then atomically renamed to its final name. A partially-written
// export is never visible. If the final directory already exists the
// export is a no-op — re-running the same step after a crash-restart must
// not duplicate or corrupt it.
func (c *ExportCycleController) Export(bundle *Bundle, name string) error {
	final := filepath.Join(c.exportDir, name)

	if _, err := os.Stat(final); err == nil {
		c.logger.Info("not exporting model, already exists", slog.String("path", final))
		return nil
	}

	c.logger.Info("exporting model", slog.String("path", final))

	tmp := final + ".tmp"
	if err := os.MkdirAll(tmp, atomicfile.DirPerms); err != nil {
		return fmt.Errorf("creating export staging dir: %w", err)
	}

	if err := c.store.SaveTo(bundle, filepath.Join(tmp, "model.ckpt")); err != nil {
		return fmt.Errorf("export checkpoint: %w", err)
	}

	if err := copyModelConfig(c.modelConfigPath, filepath.Join(tmp, "model.config.json")); err != nil {
		return err
	}

	if err := c.history.WriteCopy(filepath.Join(tmp, "trainhistory.json")); err != nil {
		return fmt.Errorf("export history: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publishing export %s: %w", final, err)
	}

	c.logger.Info("export complete", slog.String("path", final))

	return nil
}

// copyModelConfig copies the training directory's model config into an
// export. A missing source config is tolerated: older training
// directories predate the config record.
func copyModelConfig(src, dst string) error {
	err := atomicfile.CopyFile(src, dst)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("export model config: %w", err)
	}

	return nil
}
