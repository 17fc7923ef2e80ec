package pipeline

import "fmt"

// Class identifies one entity class tracked by the change cascade.
type Class string

const (
	ClassStreams    Class = "streams"
	ClassParcels    Class = "parcels"
	ClassBuffers    Class = "buffers"
	ClassCompliance Class = "compliance"
	ClassSummary    Class = "summary"
)

// Graph maps each derived class to the classes it is computed from. The
// cascade rule is uniform: a class is stale when any upstream class changed,
// directly or transitively. Skipping a fresh class is an optimization only;
// recomputing it is always safe.
type Graph map[Class][]Class

// DefaultGraph returns the dependency edges of the medallion pipeline.
func DefaultGraph() Graph {
	return Graph{
		ClassBuffers:    {ClassStreams},
		ClassCompliance: {ClassStreams, ClassParcels, ClassBuffers},
		ClassSummary:    {ClassStreams, ClassParcels, ClassBuffers, ClassCompliance},
	}
}

// ChangeSet records which classes changed during the current run.
type ChangeSet map[Class]bool

// Stale reports whether the class must be recomputed given the changes
// observed so far. Dependencies are followed transitively.
func (g Graph) Stale(c Class, changed ChangeSet) bool {
	for _, dep := range g[c] {
		if changed[dep] || g.Stale(dep, changed) {
			return true
		}
	}
	return false
}

// Validate rejects graphs with dependency cycles, which would make Stale
// recurse forever.
func (g Graph) Validate() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[Class]int)

	var visit func(c Class) error
	visit = func(c Class) error {
		switch state[c] {
		case visiting:
			return fmt.Errorf("dependency cycle through %q", c)
		case done:
			return nil
		}
		state[c] = visiting
		for _, dep := range g[c] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[c] = done
		return nil
	}

	for c := range g {
		if err := visit(c); err != nil {
			return err
		}
	}
	return nil
}
