package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// HistoryEvent is one timestamped entry in the training history,
// serialized as a JSON array whose first element is the event name.
// Arguments are kept raw so events written by other tooling round-trip
// byte-for-byte.
type HistoryEvent struct {
	Name string
	Args []json.RawMessage
}

// MarshalJSON encodes the event as ["name", args...].
func (e HistoryEvent) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(e.Args)+1)

	name, err := json.Marshal(e.Name)
	if err != nil {
		return nil, err
	}

	parts = append(parts, name)
	parts = append(parts, e.Args...)

	return json.Marshal(parts)
}

// UnmarshalJSON decodes ["name", args...].
func (e *HistoryEvent) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}

	if len(parts) == 0 {
		return errors.New("history event must be a non-empty array")
	}

	if err := json.Unmarshal(parts[0], &e.Name); err != nil {
		return fmt.Errorf("history event name: %w", err)
	}

	e.Args = parts[1:]

	return nil
}

// History is the append-only log of training events plus a trailing
// snapshot of the latest persistent and metrics state. It is persisted
// separately from checkpoints so it survives even if checkpoint loading
// fails. Events are never rewritten; only the trailing snapshot fields
// are overwritten on each save.
type History struct {
	Events     []HistoryEvent   `json:"history"`
	TrainState *PersistentState `json:"train_state,omitempty"`
	ExtraStats *RunningMetrics  `json:"extra_stats,omitempty"`

	path   string
	logger *slog.Logger
}

// LoadHistory reads the training history at path, returning an empty
// history if the file does not exist yet.
func LoadHistory(path string, logger *slog.Logger) (*History, error) {
	h := &History{path: path, logger: logger}

	err := atomicfile.ReadJSON(path, h)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return h, nil
	case err != nil:
		return nil, fmt.Errorf("loading training history: %w", err)
	}

	logger.Info("loaded existing training history",
		slog.String("path", path), slog.Int("events", len(h.Events)))

	return h, nil
}

// AppendStarted records a process start.
func (h *History) AppendStarted(now time.Time) {
	h.append("started", now.UTC().Format(time.RFC3339))
}

// AppendNewData records the detection of a new shuffled-data directory at
// the given global step, covering the given row range.
func (h *History) AppendNewData(globalStepSamples int64, rowRange [2]int64) {
	h.append("newdata", globalStepSamples, rowRange)
}

func (h *History) append(name string, args ...any) {
	event := HistoryEvent{Name: name}

	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			// Arguments are plain numbers, strings and arrays; a marshal
			// failure here is a programming error.
			panic(fmt.Sprintf("history event %s: %v", name, err))
		}

		event.Args = append(event.Args, raw)
	}

	h.Events = append(h.Events, event)
}

// Save overwrites the trailing state snapshot and writes the history
// atomically (temp file, fsync, rename).
func (h *History) Save(st *PersistentState, running *RunningMetrics) error {
	h.TrainState = st.Clone()
	h.ExtraStats = running

	if err := atomicfile.WriteJSON(h.path, h); err != nil {
		return fmt.Errorf("saving training history: %w", err)
	}

	h.logger.Info("wrote training history", slog.String("path", h.path))

	return nil
}

// WriteCopy writes the current history to an arbitrary path, used when
// assembling export directories.
func (h *History) WriteCopy(path string) error {
	if err := atomicfile.WriteJSON(path, h); err != nil {
		return fmt.Errorf("copying training history: %w", err)
	}

	return nil
}
