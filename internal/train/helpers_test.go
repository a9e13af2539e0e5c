package train

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// testBundle builds a minimal valid checkpoint bundle whose state carries
// the given sample count, so rotation tests can tell saves apart.
func testBundle(t *testing.T, samples int64) *Bundle {
	t.Helper()

	return &Bundle{
		Model:      ParamBlobs{"weight": json.RawMessage(`[1,2,3]`)},
		TrainState: &PersistentState{GlobalStepSamples: samples},
	}
}
