package fitting

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/popdyn/lvfit/internal/dataset"
)

// GroupResult is the per-group outcome of a batch run. Exactly one of
// Result and Err is set.
type GroupResult struct {
	Group  string      `json:"group"`
	Result *FitResult  `json:"result,omitempty"`
	Kind   FailureKind `json:"failure_kind,omitempty"`
	Err    error       `json:"-"`
	Error  string      `json:"error,omitempty"`
}

// FitGroups fits every group independently on a worker pool and returns one
// GroupResult per group, ordered by group key. Groups share no mutable
// state, so a failing group never disturbs the others; failures are
// reported alongside successes rather than aborting the batch.
func (pl *Pipeline) FitGroups(ctx context.Context, groups map[string]dataset.Series, workers int) []GroupResult {
	if workers <= 0 {
		workers = 1
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]GroupResult, len(keys))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for i, key := range keys {
		wg.Add(1)
		go func(slot int, group string, series dataset.Series) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := pl.Fit(ctx, series)
			if err != nil {
				pl.logger.Warn("group fit failed",
					zap.String("group", group),
					zap.String("kind", string(KindOf(err))),
					zap.Error(err),
				)
				results[slot] = GroupResult{
					Group: group,
					Kind:  KindOf(err),
					Err:   err,
					Error: err.Error(),
				}
				return
			}
			results[slot] = GroupResult{Group: group, Result: result}
		}(i, key, groups[key])
	}
	wg.Wait()

	return results
}
