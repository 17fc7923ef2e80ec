package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
	"github.com/emeraldleaf/riparian-poc/internal/stac"
)

// Run modes accepted by the orchestrator.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeNDVI        = "ndvi"
	ModeAll         = "all"
)

// RunTracker records run lifecycle in meta.etl_runs.
type RunTracker interface {
	Begin(ctx context.Context, runType string) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, sum models.RunSummary) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
}

// VegetationScorer produces vegetation readings for the study area. A nil
// date range means incremental: resume after the last stored acquisition.
type VegetationScorer interface {
	Process(ctx context.Context, dates *stac.DateRange) (int, error)
}

// Orchestrator dispatches a run mode across the pipeline stages and
// guarantees every started run record reaches a terminal state, including
// on cancellation.
type Orchestrator struct {
	pipe    *Pipeline
	store   Storage
	veg     VegetationScorer
	tracker RunTracker
	graph   Graph
	log     *logging.Logger
}

// NewOrchestrator wires an orchestrator. veg may be nil when no raster
// service is configured; vegetation modes then fail up front.
func NewOrchestrator(pipe *Pipeline, store Storage, veg VegetationScorer, tracker RunTracker, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		pipe:    pipe,
		store:   store,
		veg:     veg,
		tracker: tracker,
		graph:   DefaultGraph(),
		log:     log,
	}
}

// finalizeTimeout bounds the terminal-state write. It uses a fresh context
// so a cancelled run still gets its failure recorded.
const finalizeTimeout = 10 * time.Second

// Run executes one pipeline invocation of the given mode. Exactly one run
// record is created, and it always ends completed or failed.
func (o *Orchestrator) Run(ctx context.Context, mode string) error {
	switch mode {
	case ModeFull, ModeIncremental, ModeNDVI, ModeAll:
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}
	if (mode == ModeNDVI || mode == ModeAll) && o.veg == nil {
		return fmt.Errorf("run mode %q requires RASTER_API_URL", mode)
	}

	id, err := o.tracker.Begin(ctx, mode)
	if err != nil {
		return err
	}

	sum, runErr := o.execute(ctx, mode)

	finalCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if runErr != nil {
		if err := o.tracker.Fail(finalCtx, id, runErr); err != nil {
			o.log.Error("could not record run failure", "run_id", id, "error", err)
		}
		return runErr
	}
	if err := o.tracker.Complete(finalCtx, id, sum); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, mode string) (models.RunSummary, error) {
	var sum models.RunSummary

	if err := o.store.EnsureSchema(ctx); err != nil {
		return sum, err
	}

	switch mode {
	case ModeFull:
		return o.runFull(ctx)
	case ModeIncremental:
		return o.runIncremental(ctx)
	case ModeNDVI:
		count, err := o.runVegetation(ctx)
		sum.RecordsInserted = count
		return sum, err
	case ModeAll:
		sum, err := o.runIncremental(ctx)
		if err != nil {
			return sum, err
		}
		count, err := o.runVegetation(ctx)
		sum.RecordsInserted += count
		return sum, err
	}
	return sum, fmt.Errorf("unknown run mode %q", mode)
}

// runFull rebuilds every stage from scratch.
func (o *Orchestrator) runFull(ctx context.Context) (models.RunSummary, error) {
	var sum models.RunSummary
	o.log.Info("starting full pipeline run")

	ws, err := o.pipe.LoadWatershed(ctx, false)
	if err != nil {
		return sum, err
	}
	hydro, err := o.pipe.LoadHydrography(ctx, false)
	if err != nil {
		return sum, err
	}
	parcels, err := o.pipe.LoadParcels(ctx, false)
	if err != nil {
		return sum, err
	}
	sum.RecordsInserted = ws.Inserted + hydro.Total().Inserted + parcels.Inserted
	sum.StreamsChanged = hydro.Streams.HasChanges()
	sum.ParcelsChanged = parcels.HasChanges()

	if _, err := o.store.GenerateBuffers(ctx, o.pipe.cfg.BufferDistanceM); err != nil {
		return sum, err
	}
	sum.BuffersChanged = true
	if _, err := o.store.AnalyzeCompliance(ctx); err != nil {
		return sum, err
	}
	if _, err := o.store.CalculateSummary(ctx); err != nil {
		return sum, err
	}

	o.log.Info("full pipeline run finished")
	return sum, nil
}

// runIncremental merges the raw layers and recomputes only the derived
// classes made stale by upstream changes.
func (o *Orchestrator) runIncremental(ctx context.Context) (models.RunSummary, error) {
	var sum models.RunSummary
	o.log.Info("starting incremental pipeline run")

	// Boundary is a single record, merged on huc8 so its serial id (and the
	// aggregate rows keyed to it) survives the refresh.
	ws, err := o.pipe.LoadWatershed(ctx, true)
	if err != nil {
		return sum, err
	}
	hydro, err := o.pipe.LoadHydrography(ctx, true)
	if err != nil {
		return sum, err
	}
	parcels, err := o.pipe.LoadParcels(ctx, true)
	if err != nil {
		return sum, err
	}

	raw := ws.Add(hydro.Total()).Add(parcels)
	sum.RecordsInserted = raw.Inserted
	sum.RecordsUpdated = raw.Updated
	sum.RecordsSkipped = raw.Skipped

	// Waterbodies and sinks stay out of the change set: no derived class
	// reads them, and flagging them as stream changes would regenerate the
	// buffers and cascade away the vegetation reading history.
	changed := ChangeSet{
		ClassStreams: hydro.Streams.HasChanges(),
		ClassParcels: parcels.HasChanges(),
	}

	if o.graph.Stale(ClassBuffers, changed) {
		if _, err := o.store.GenerateBuffers(ctx, o.pipe.cfg.BufferDistanceM); err != nil {
			return sum, err
		}
		changed[ClassBuffers] = true
	}
	if o.graph.Stale(ClassCompliance, changed) {
		if _, err := o.store.AnalyzeCompliance(ctx); err != nil {
			return sum, err
		}
		changed[ClassCompliance] = true
	}
	if o.graph.Stale(ClassSummary, changed) {
		if _, err := o.store.CalculateSummary(ctx); err != nil {
			return sum, err
		}
	} else {
		o.log.Info("no raw changes, derived stages left untouched")
	}

	sum.StreamsChanged = changed[ClassStreams]
	sum.ParcelsChanged = changed[ClassParcels]
	sum.BuffersChanged = changed[ClassBuffers]

	o.log.Info("incremental pipeline run finished",
		"streams_changed", sum.StreamsChanged,
		"parcels_changed", sum.ParcelsChanged,
		"buffers_changed", sum.BuffersChanged)
	return sum, nil
}

// runVegetation scores buffers from fresh imagery and folds the results
// into the watershed rollup.
func (o *Orchestrator) runVegetation(ctx context.Context) (int, error) {
	count, err := o.veg.Process(ctx, nil)
	if err != nil {
		return count, err
	}
	if _, err := o.store.UpdateSummaryNDVI(ctx); err != nil {
		return count, err
	}
	return count, nil
}
