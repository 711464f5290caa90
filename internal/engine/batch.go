package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// defaultBatchWidth bounds outbound API concurrency when none is configured.
const defaultBatchWidth = 3

// Batches splits regions into consecutive groups of at most width, keeping
// order. Seven regions at width 3 give batches of 3, 3 and 1.
func Batches(regions []string, width int) [][]string {
	if width <= 0 {
		width = defaultBatchWidth
	}
	batches := make([][]string, 0, (len(regions)+width-1)/width)
	for start := 0; start < len(regions); start += width {
		end := min(start+width, len(regions))
		batches = append(batches, regions[start:end])
	}
	return batches
}

// regionTask processes one region. It reports its own outcome; a region
// failure never reaches the other tasks.
type regionTask func(ctx context.Context, batch int, region string)

// runBatches runs task for every region, one batch at a time. All regions of
// a batch run in parallel and the next batch starts only after the whole
// batch has returned.
//
// Tasks run on taskCtx, which ignores cancellation of ctx so that no region
// is interrupted mid-page. ctx is checked at each barrier instead: once it is
// done, the regions of the remaining batches are returned unprocessed.
func runBatches(ctx, taskCtx context.Context, batches [][]string, task regionTask) (skipped []string) {
	for i, batch := range batches {
		if ctx.Err() != nil || taskCtx.Err() != nil {
			for _, rest := range batches[i:] {
				skipped = append(skipped, rest...)
			}
			return skipped
		}

		var g errgroup.Group
		for _, region := range batch {
			g.Go(func() error {
				task(taskCtx, i+1, region)
				return nil
			})
		}
		_ = g.Wait() // barrier
	}
	return nil
}
