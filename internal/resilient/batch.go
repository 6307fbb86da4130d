package resilient

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/h2a-dev/genq/internal/model"
)

const (
	// MaxBatchItems is the maximum number of submissions of a batch.
	MaxBatchItems = 10
	// DefaultBatchConcurrency is the number of batch items submitted at the same time.
	DefaultBatchConcurrency = 5
)

// BatchItem is a single submission of a batch.
type BatchItem struct {
	Kind      string
	Arguments map[string]any
	Metadata  map[string]any
}

// BatchResult is the outcome of a batch item. Index is the position of the
// item in the batch, either Task or Err is set.
type BatchResult struct {
	Index int
	Task  *model.Task
	Err   error
}

// SubmitBatch submits every item of the batch concurrently. A failing item
// doesn't stop the others, its error is kept in its result. The results have
// the order of the items. An error is only returned when the batch itself is
// not valid.
func (c *Client) SubmitBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("batch has no items: %w", model.ErrNotValid)
	}
	if len(items) > MaxBatchItems {
		return nil, fmt.Errorf("batch has %d items, the maximum is %d: %w", len(items), MaxBatchItems, model.ErrNotValid)
	}

	results := make([]BatchResult, len(items))

	// Items never return their errors to the group, so one failure doesn't
	// cancel the rest of the batch.
	var g errgroup.Group
	g.SetLimit(c.batchConcurrency)
	for i, item := range items {
		g.Go(func() error {
			res := BatchResult{Index: i}
			if err := ctx.Err(); err != nil {
				res.Err = err
			} else {
				res.Task, res.Err = c.Submit(ctx, item.Kind, item.Arguments, item.Metadata)
			}
			if res.Err != nil {
				c.logger.Warningf("Batch item %d failed: %s", i, res.Err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Infof("Submitted batch of %d items (%d failed)", len(items), failed)

	return results, nil
}
