package refmodel

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ABCchaos/KataGo/internal/train"
)

// DecodeFile reads one JSON data file of Examples and splits it into
// batches of the given sample size. The trailing partial batch, if any,
// is kept. It satisfies batchsource.DecodeFunc.
func DecodeFile(path string, batchSize int) ([]train.Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}

	var examples Examples
	if err := json.Unmarshal(raw, &examples); err != nil {
		return nil, fmt.Errorf("decoding data file %s: %w", path, err)
	}

	if len(examples.Inputs) != len(examples.Labels) {
		return nil, fmt.Errorf("data file %s has %d inputs but %d labels",
			path, len(examples.Inputs), len(examples.Labels))
	}

	var batches []train.Batch

	for start := 0; start < len(examples.Inputs); start += batchSize {
		end := start + batchSize
		if end > len(examples.Inputs) {
			end = len(examples.Inputs)
		}

		batches = append(batches, train.Batch{
			Size: end - start,
			Data: &Examples{
				Inputs: examples.Inputs[start:end],
				Labels: examples.Labels[start:end],
			},
		})
	}

	return batches, nil
}
