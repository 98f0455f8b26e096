package recorder

import (
	"context"
	"fmt"
	"sync"

	"labrecorder/internal/source"
)

// ApplyResult reports what Apply changed.
type ApplyResult struct {
	Attached   []source.ID
	Detached   []source.ID
	Reattached []source.ID
	Unchanged  []source.ID
	// Errors holds per-source failures. A failure on one source does not
	// stop the others from being reconciled.
	Errors map[source.ID]error
}

// Apply reconciles the registry with a desired set of sources. Sources not
// in want are detached, new ones attached, and ones whose settings changed
// are detached and attached again. Detaches run concurrently.
func (r *Recorder) Apply(ctx context.Context, want []AttachRequest) ApplyResult {
	res := ApplyResult{Errors: map[source.ID]error{}}

	desired := make(map[source.ID]AttachRequest, len(want))
	for _, req := range want {
		if _, dup := desired[req.Source]; dup {
			res.Errors[req.Source] = fmt.Errorf("%w: listed twice", ErrDuplicateSource)
			continue
		}
		if err := req.pullerConfig().Validate(); err != nil {
			res.Errors[req.Source] = err
			continue
		}
		desired[req.Source] = req
	}

	var remove, replace []source.ID
	for _, info := range r.Sources() {
		req, keep := desired[info.ID]
		switch {
		case !keep:
			if _, failed := res.Errors[info.ID]; !failed {
				remove = append(remove, info.ID)
			}
		case info.Config.Equal(req.pullerConfig()):
			res.Unchanged = append(res.Unchanged, info.ID)
			delete(desired, info.ID)
		default:
			replace = append(replace, info.ID)
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range append(append([]source.ID(nil), remove...), replace...) {
		wg.Go(func() {
			if err := r.Detach(ctx, id); err != nil {
				mu.Lock()
				res.Errors[id] = err
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	for _, id := range remove {
		if _, failed := res.Errors[id]; !failed {
			res.Detached = append(res.Detached, id)
		}
	}
	for _, id := range replace {
		if _, failed := res.Errors[id]; failed {
			delete(desired, id)
			continue
		}
		if err := r.Attach(ctx, desired[id]); err != nil {
			res.Errors[id] = err
		} else {
			res.Reattached = append(res.Reattached, id)
		}
		delete(desired, id)
	}
	for _, req := range want {
		if _, pending := desired[req.Source]; !pending {
			continue
		}
		delete(desired, req.Source)
		if err := r.Attach(ctx, req); err != nil {
			res.Errors[req.Source] = err
			continue
		}
		res.Attached = append(res.Attached, req.Source)
	}

	r.logger.Info("sources applied",
		"attached", len(res.Attached),
		"detached", len(res.Detached),
		"reattached", len(res.Reattached),
		"unchanged", len(res.Unchanged),
		"errors", len(res.Errors))
	return res
}
