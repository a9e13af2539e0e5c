package train

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// maxFilesPerSubEpoch bounds memory and startup latency even under
// pathological sidecar metadata.
const maxFilesPerSubEpoch = 100000

// fileInfo is the per-file sidecar metadata record: one JSON file next to
// each training-example file.
type fileInfo struct {
	NumBatches int64 `json:"num_batches"`
}

// sidecarPath returns the metadata path for a training-example file:
// the same name with the extension replaced by .json.
func sidecarPath(file string) string {
	if idx := strings.LastIndexByte(file, '.'); idx > strings.LastIndexByte(file, '/') {
		return file[:idx] + ".json"
	}

	return file + ".json"
}

// readNumBatches reads the precomputed batch count from a file's sidecar.
func readNumBatches(file string) (int64, error) {
	var info fileInfo
	if err := atomicfile.ReadJSON(sidecarPath(file), &info); err != nil {
		return 0, fmt.Errorf("reading sidecar for %s: %w", file, err)
	}

	return info.NumBatches, nil
}

// SubEpochFileSelector draws a file subset from a shuffled, infinitely
// repeating stream so that the expected selected batch count equals the
// requested target regardless of file-size granularity.
type SubEpochFileSelector struct {
	rng        *rand.Rand
	logger     *slog.Logger
	numBatches func(file string) (int64, error)
}

// NewSubEpochFileSelector creates a selector using the given randomness
// source. Batch counts are read from per-file sidecar metadata.
func NewSubEpochFileSelector(rng *rand.Rand, logger *slog.Logger) *SubEpochFileSelector {
	return &SubEpochFileSelector{
		rng:        rng,
		logger:     logger,
		numBatches: readNumBatches,
	}
}

// Select pulls files from stream until their combined batch count reaches
// targetBatches. The boundary file — the one whose inclusion would push
// the total past the target — is skipped (ending selection) with
// probability equal to the overshoot fraction, making the expected total
// exactly targetBatches. Files with a non-positive batch count are
// skipped entirely. At least one file is always selected when the stream
// yields any file with a positive batch count, even if that single file
// exceeds the target.
func (s *SubEpochFileSelector) Select(stream *FileStream, targetBatches float64) ([]string, int64, error) {
	var (
		files []string
		total int64
	)

	for pulls := 0; pulls <= maxFilesPerSubEpoch; pulls++ {
		file := stream.Next()
		if file == "" {
			break
		}

		numBatches, err := s.numBatches(file)
		if err != nil {
			return nil, 0, err
		}

		if numBatches <= 0 {
			continue
		}

		if float64(total)+float64(numBatches) > targetBatches && total > 0 {
			skipProb := (float64(total) + float64(numBatches) - targetBatches) / float64(numBatches)
			if s.rng.Float64() < skipProb {
				break
			}
		}

		files = append(files, file)
		total += numBatches

		if float64(total) >= targetBatches || len(files) > maxFilesPerSubEpoch {
			break
		}
	}

	s.logger.Info("selected sub-epoch files",
		slog.Int("files", len(files)),
		slog.Int64("batches", total),
		slog.Float64("target_batches", targetBatches),
	)

	return files, total, nil
}
