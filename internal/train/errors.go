package train

import "errors"

// Sentinel errors for the fatal conditions of the orchestrator. Callers
// distinguish them with errors.Is; anything not matching these sentinels
// and not a WaitReason is an ordinary propagated failure.
var (
	// ErrNoCheckpoint reports that a training directory holds no
	// checkpoint at all. Recoverable: the caller initializes fresh state
	// (possibly from a configured initial checkpoint).
	ErrNoCheckpoint = errors.New("no checkpoint found")

	// ErrCorruptTrainDir reports that a rotated previous checkpoint
	// exists without a primary checkpoint. Fatal: guessing which state is
	// authoritative risks silent data loss, so no repair is attempted.
	ErrCorruptTrainDir = errors.New("training directory is corrupt")
)

// WaitReason identifies a recoverable backpressure condition. These are
// never surfaced as errors; the component logs the wait and retries after
// a fixed backoff.
type WaitReason int

const (
	// WaitNotReady: the data directory or its manifest does not exist yet.
	WaitNotReady WaitReason = iota

	// WaitBucketEmpty: the train bucket holds fewer tokens than one epoch.
	WaitBucketEmpty

	// WaitTooFarAhead: training has consumed too many samples since the
	// last data reload; the upstream producer has stalled.
	WaitTooFarAhead
)

// String returns a log-friendly name for the wait reason.
func (r WaitReason) String() string {
	switch r {
	case WaitNotReady:
		return "data not ready"
	case WaitBucketEmpty:
		return "train bucket empty"
	case WaitTooFarAhead:
		return "too far ahead of last reload"
	default:
		return "unknown"
	}
}
