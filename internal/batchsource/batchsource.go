// Package batchsource streams decoded training batches from data files.
// Decoding the raw file format is delegated to a caller-supplied decode
// function; this package handles ordering, prefetch, and cancellation.
package batchsource

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ABCchaos/KataGo/internal/train"
)

// defaultPrefetch is how many decoded batches may sit in the pipeline
// ahead of the consumer. Decoding one file ahead keeps the training step
// fed without unbounded memory growth.
const defaultPrefetch = 4

// DecodeFunc decodes one data file into batches of the given sample size.
type DecodeFunc func(path string, batchSize int) ([]train.Batch, error)

// Source implements train.BatchSource over a list of files, decoding
// them in order on a background goroutine.
type Source struct {
	decode    DecodeFunc
	batchSize int
	prefetch  int
	logger    *slog.Logger
}

// New creates a Source with the default prefetch depth.
func New(decode DecodeFunc, batchSize int, logger *slog.Logger) *Source {
	return &Source{
		decode:    decode,
		batchSize: batchSize,
		prefetch:  defaultPrefetch,
		logger:    logger,
	}
}

// Batches streams the batches of each file in order. The channel closes
// when all files are exhausted, a decode fails, or ctx is canceled; the
// returned wait func reports the first failure after the channel drains.
func (s *Source) Batches(ctx context.Context, files []string) (<-chan train.Batch, func() error) {
	ch := make(chan train.Batch, s.prefetch)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ch)

		for _, file := range files {
			batches, err := s.decode(file, s.batchSize)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", file, err)
			}

			s.logger.Debug("decoded training file",
				slog.String("file", file), slog.Int("batches", len(batches)))

			for _, batch := range batches {
				select {
				case ch <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		return nil
	})

	return ch, g.Wait
}
