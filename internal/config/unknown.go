package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid flat top-level keys in the config file.
var knownKeys = map[string]bool{
	"train_dir": true, "data_dir": true, "export_dir": true,
	"export_prefix": true, "initial_checkpoint": true,
	"model_kind": true, "pos_len": true, "batch_size": true,
	"samples_per_epoch": true, "sub_epochs": true,
	"lr_scale": true, "gnorm_clip_scale": true,
	"epochs_per_export": true, "export_prob": true, "no_export": true,
	"max_epochs_this_instance": true, "sleep_per_epoch": true,
	"swa_sub_epoch_scale":       true,
	"max_train_bucket_per_new_data": true, "max_train_bucket_size": true,
	"max_train_steps_since_last_reload": true,
	"not_ready_backoff":                 true, "stale_backoff": true,
	"longterm_checkpoint_interval": true,
	"log_level":                    true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys rejects any key the decoder did not map to a Config
// field. Silently ignoring a typo in a config file leads to hard-to-debug
// training behavior, so this strictness is deliberate.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(undecoded))

	for _, key := range undecoded {
		name := key.String()

		msg := fmt.Sprintf("unknown config key %q", name)
		if suggestion := closestKnownKey(name); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		}

		msgs = append(msgs, msg)
	}

	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// closestKnownKey returns the known key nearest to name, or "" when no
// key is within maxLevenshteinDistance edits.
func closestKnownKey(name string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, candidate := range knownKeysList {
		if d := levenshtein(name, candidate); d < bestDist {
			best = candidate
			bestDist = d
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings with a
// single-row dynamic programming table.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i

		for j := 1; j <= len(b); j++ {
			cur := row[j]

			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			row[j] = min(row[j]+1, min(row[j-1]+1, prev+cost))
			prev = cur
		}
	}

	return row[len(b)]
}
