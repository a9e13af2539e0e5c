package train

import "log/slog"

// consumeThreshold is the fraction of an epoch's samples the bucket must
// hold before an epoch may be consumed. Slightly below 1.0 so rounding in
// upstream row accounting never deadlocks an otherwise-full bucket.
const consumeThreshold = 0.99

// TrainBucketLimiter is a token-bucket admission control that caps how
// many samples may be consumed relative to how much new data has arrived.
// It decouples the consumption rate from the production rate: if the
// upstream producer stalls, training pauses instead of overfitting on a
// static snapshot, while a large backlog of new data allows bursts.
//
// The limiter is stateless over PersistentState: the bucket level and the
// last accounted row live in the state record so they persist across
// restarts.
type TrainBucketLimiter struct {
	fillRate        float64
	maxSize         float64
	samplesPerEpoch float64
	logger          *slog.Logger
}

// NewTrainBucketLimiter creates a limiter adding fillRate tokens per new
// data row, capped at max(maxSize, samplesPerEpoch).
func NewTrainBucketLimiter(fillRate, maxSize float64, samplesPerEpoch int, logger *slog.Logger) *TrainBucketLimiter {
	return &TrainBucketLimiter{
		fillRate:        fillRate,
		maxSize:         maxSize,
		samplesPerEpoch: float64(samplesPerEpoch),
		logger:          logger,
	}
}

// cap returns the effective bucket ceiling. At least one epoch's worth of
// samples is always allowed so a tiny configured cap cannot deadlock.
func (b *TrainBucketLimiter) cap() float64 {
	if b.maxSize > b.samplesPerEpoch {
		return b.maxSize
	}

	return b.samplesPerEpoch
}

// Advance credits the bucket for newRows newly produced data rows. The
// level never decreases on its own.
func (b *TrainBucketLimiter) Advance(st *PersistentState, newRows int64) {
	level := st.BucketLevel() + float64(newRows)*b.fillRate
	if level > b.cap() {
		level = b.cap()
	}

	st.SetBucketLevel(level)
}

// AdvanceToRow credits the bucket for all rows between the last accounted
// row and lastRow, then records lastRow. Rows already accounted are never
// double-counted; a lastRow at or below the recorded row is a no-op.
func (b *TrainBucketLimiter) AdvanceToRow(st *PersistentState, lastRow int64) {
	if st.TrainBucketLevelAtRow == 0 {
		// First observation: start the row accounting here rather than
		// crediting the entire preexisting backlog.
		st.TrainBucketLevelAtRow = lastRow
		return
	}

	if lastRow <= st.TrainBucketLevelAtRow {
		return
	}

	newRows := lastRow - st.TrainBucketLevelAtRow

	b.logger.Info("advancing train bucket",
		slog.Int64("from_row", st.TrainBucketLevelAtRow),
		slog.Int64("to_row", lastRow),
		slog.Int64("new_rows", newRows),
		slog.Float64("fill_per_row", b.fillRate),
		slog.Float64("old_level", st.BucketLevel()),
	)

	st.TrainBucketLevelAtRow = lastRow
	b.Advance(st, newRows)

	b.logger.Info("train bucket advanced", slog.Float64("new_level", st.BucketLevel()))
}

// TryConsume attempts to debit one epoch's worth of samples. On success
// the level is reduced and true is returned; on failure the level is left
// untouched and the caller must wait for new data and retry.
func (b *TrainBucketLimiter) TryConsume(st *PersistentState) bool {
	level := st.BucketLevel()
	if level < consumeThreshold*b.samplesPerEpoch {
		return false
	}

	b.logger.Info("consuming from train bucket",
		slog.Float64("samples", b.samplesPerEpoch),
		slog.Float64("old_level", level),
		slog.Float64("new_level", level-b.samplesPerEpoch),
	)

	st.SetBucketLevel(level - b.samplesPerEpoch)

	return true
}
