package reconcile

import (
	"errors"
	"fmt"

	"atlasmerge/pkg/hierarchy"
	"atlasmerge/pkg/logging"
)

// ErrNonConvergence signals that the two atlases' ids cannot be reconciled
// against the supplied ontology.
var ErrNonConvergence = errors.New("reconciliation did not converge")

// ConvergenceError describes why a convergence pass failed.
type ConvergenceError struct {
	Direction  string
	ID         uint32
	Iterations int
	Reason     string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("reconciliation did not converge (%s, id %d, after %d iterations): %s",
		e.Direction, e.ID, e.Iterations, e.Reason)
}

// Is implements errors.Is support.
func (e *ConvergenceError) Is(target error) bool {
	return target == ErrNonConvergence
}

func (r *Reconciler) iterationCap(c *Context) int {
	if r.maxIter > 0 {
		return r.maxIter
	}
	return len(c.from[A]) + len(c.from[B]) + r.h.MaxDepth() + 1
}

// converge collapses ids found only in d.Source onto their closest
// ancestor known to d.Target until both working tables hold the same ids
// (sentinels aside).
func (r *Reconciler) converge(c *Context, d Direction) (int, error) {
	src, dst := d.Source, d.Target
	limit := r.iterationCap(c)

	pending := func() []uint32 {
		diff := c.Current(src).Difference(c.Current(dst)).Difference(r.sentinels)
		return diff.Sorted()
	}

	iterations := 0
	for ids := pending(); len(ids) > 0; ids = pending() {
		id := ids[0]
		if iterations >= limit {
			return iterations, &ConvergenceError{
				Direction:  d.String(),
				ID:         id,
				Iterations: iterations,
				Reason:     fmt.Sprintf("iteration cap of %d exceeded with %d ids outstanding", limit, len(ids)),
			}
		}
		iterations++

		ancestor := id
		for !c.Allowed(dst).Has(ancestor) {
			p, ok := r.h.Parent(ancestor)
			if !ok || p == hierarchy.BackgroundID {
				return iterations, &ConvergenceError{
					Direction:  d.String(),
					ID:         id,
					Iterations: iterations,
					Reason:     "no ancestor is present in the target atlas",
				}
			}
			ancestor = p
		}

		changed := false
		for _, s := range []Side{src, dst} {
			for _, desc := range r.h.FilteredDescendants(ancestor, c.Allowed(s)).Sorted() {
				if c.Replace(s, desc, ancestor) {
					changed = true
				}
			}
		}
		if !changed {
			return iterations, &ConvergenceError{
				Direction:  d.String(),
				ID:         id,
				Iterations: iterations,
				Reason:     fmt.Sprintf("collapsing onto ancestor %d changed nothing", ancestor),
			}
		}
		logging.Debug().
			Str("direction", d.String()).
			Uint32("id", id).
			Uint32("ancestor", ancestor).
			Msg("Collapsed subtree")
	}
	return iterations, nil
}
