package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/emeraldleaf/riparian-poc/internal/arcgis"
	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
	"github.com/emeraldleaf/riparian-poc/internal/stac"
)

// fakeFetcher returns one feature carrying every identifier attribute the
// layer maps look for, so each layer load sees exactly one row.
type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) FetchAll(ctx context.Context, q arcgis.Query, batchSize int) ([]*geojson.Feature, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []*geojson.Feature{{
		Geometry: geom.NewPointFlat(geom.XY, []float64{-108.0, 37.0}),
		Properties: map[string]any{
			"HUC8": "14080101", "NAME": "San Juan",
			"COMID": 1.0, "SINKID": 2.0, "parcel_id": "P-1",
		},
	}}, nil
}

type fakeStore struct {
	changes  map[string]models.LayerChange
	stageErr map[string]error
	stages   []string
	replaced []string
	upserted []string

	// summaryRows mirrors the foreign-key cascade from bronze.watersheds to
	// gold.riparian_summary: deleting the boundary row deletes the rollup.
	summaryRows int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		changes:  map[string]models.LayerChange{},
		stageErr: map[string]error{},
	}
}

func (s *fakeStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *fakeStore) WatershedEnvelope(ctx context.Context, huc8 string) (*models.Envelope, error) {
	return &models.Envelope{MinX: -109, MinY: 36, MaxX: -107, MaxY: 38}, nil
}

func (s *fakeStore) UpsertLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (models.LayerChange, error) {
	s.upserted = append(s.upserted, spec.Name)
	if c, ok := s.changes[spec.Name]; ok {
		c.Layer = spec.Name
		return c, nil
	}
	return models.LayerChange{Layer: spec.Name, Skipped: len(feats)}, nil
}

func (s *fakeStore) ReplaceLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (int, error) {
	s.replaced = append(s.replaced, spec.Name)
	if spec.Name == "watersheds" {
		s.summaryRows = 0
	}
	return len(feats), nil
}

func (s *fakeStore) stage(name string) (int64, error) {
	if err := s.stageErr[name]; err != nil {
		return 0, err
	}
	s.stages = append(s.stages, name)
	return 1, nil
}

func (s *fakeStore) GenerateBuffers(ctx context.Context, d float64) (int64, error) {
	return s.stage("buffers")
}
func (s *fakeStore) AnalyzeCompliance(ctx context.Context) (int64, error) {
	return s.stage("compliance")
}
func (s *fakeStore) CalculateSummary(ctx context.Context) (int64, error) {
	n, err := s.stage("summary")
	if err == nil {
		s.summaryRows = 1
	}
	return n, err
}
func (s *fakeStore) UpdateSummaryNDVI(ctx context.Context) (int64, error) {
	return s.stage("summary_ndvi")
}

type fakeTracker struct {
	begun     []string
	completed []models.RunSummary
	failed    []error
}

func (t *fakeTracker) Begin(ctx context.Context, runType string) (uuid.UUID, error) {
	t.begun = append(t.begun, runType)
	return uuid.New(), nil
}

func (t *fakeTracker) Complete(ctx context.Context, id uuid.UUID, sum models.RunSummary) error {
	t.completed = append(t.completed, sum)
	return nil
}

func (t *fakeTracker) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	t.failed = append(t.failed, cause)
	return nil
}

type fakeScorer struct {
	count int
	err   error
	dates []*stac.DateRange
}

func (s *fakeScorer) Process(ctx context.Context, dates *stac.DateRange) (int, error) {
	s.dates = append(s.dates, dates)
	return s.count, s.err
}

func testOrchestrator(store *fakeStore, veg VegetationScorer) (*Orchestrator, *fakeTracker) {
	cfg := config.Config{
		HUC8:            "14080101",
		WatershedURL:    "http://watersheds/3",
		NHDPlusURL:      "http://nhdplus",
		ParcelsURL:      "http://parcels/0",
		BatchSize:       100,
		BufferDistanceM: 30.48,
	}
	log := logging.NewNop()
	tracker := &fakeTracker{}
	pipe := New(cfg, &fakeFetcher{}, store, log)
	return NewOrchestrator(pipe, store, veg, tracker, log), tracker
}

func TestRunUnknownModeFailsBeforeAnyStage(t *testing.T) {
	store := newFakeStore()
	o, tracker := testOrchestrator(store, nil)

	err := o.Run(context.Background(), "weekly")
	require.Error(t, err)
	assert.Empty(t, tracker.begun)
	assert.Empty(t, store.stages)
}

func TestRunVegetationModeRequiresScorer(t *testing.T) {
	o, tracker := testOrchestrator(newFakeStore(), nil)

	err := o.Run(context.Background(), ModeNDVI)
	require.Error(t, err)
	assert.Empty(t, tracker.begun)
}

func TestIncrementalNoChangesSkipsDerivedStages(t *testing.T) {
	store := newFakeStore()
	o, tracker := testOrchestrator(store, nil)

	require.NoError(t, o.Run(context.Background(), ModeIncremental))

	assert.Empty(t, store.stages)
	require.Len(t, tracker.completed, 1)
	sum := tracker.completed[0]
	assert.False(t, sum.StreamsChanged)
	assert.False(t, sum.ParcelsChanged)
	assert.False(t, sum.BuffersChanged)
	// One skipped row per upserted layer.
	assert.Equal(t, len(store.upserted), sum.RecordsSkipped)
}

func TestIncrementalBoundaryRefreshPreservesSummary(t *testing.T) {
	store := newFakeStore()
	o, _ := testOrchestrator(store, nil)

	// A stream change populates the watershed rollup.
	store.changes["streams"] = models.LayerChange{Inserted: 1}
	require.NoError(t, o.Run(context.Background(), ModeIncremental))
	require.Equal(t, 1, store.summaryRows)

	// A later run with nothing to recompute must leave it standing: the
	// boundary is merged in place, never deleted out from under the rows
	// that cascade from it.
	delete(store.changes, "streams")
	require.NoError(t, o.Run(context.Background(), ModeIncremental))
	assert.Equal(t, 1, store.summaryRows)
	assert.NotContains(t, store.replaced, "watersheds")
	assert.Contains(t, store.upserted, "watersheds")
}

func TestIncrementalAuxiliaryWaterChangeDoesNotCascade(t *testing.T) {
	// Waterbodies and sinks feed no derived stage: merging them must not
	// regenerate buffers, which would cascade away vegetation history.
	for _, layer := range []string{"waterbodies", "sinks"} {
		t.Run(layer, func(t *testing.T) {
			store := newFakeStore()
			store.changes[layer] = models.LayerChange{Inserted: 5}
			o, tracker := testOrchestrator(store, nil)

			require.NoError(t, o.Run(context.Background(), ModeIncremental))

			assert.Empty(t, store.stages)
			require.Len(t, tracker.completed, 1)
			sum := tracker.completed[0]
			assert.False(t, sum.StreamsChanged)
			assert.False(t, sum.BuffersChanged)
			assert.Equal(t, 5, sum.RecordsInserted)
		})
	}
}

func TestIncrementalStreamChangeCascades(t *testing.T) {
	store := newFakeStore()
	store.changes["streams"] = models.LayerChange{Inserted: 2, Updated: 1}
	o, tracker := testOrchestrator(store, nil)

	require.NoError(t, o.Run(context.Background(), ModeIncremental))

	assert.Equal(t, []string{"buffers", "compliance", "summary"}, store.stages)
	require.Len(t, tracker.completed, 1)
	sum := tracker.completed[0]
	assert.True(t, sum.StreamsChanged)
	assert.False(t, sum.ParcelsChanged)
	assert.True(t, sum.BuffersChanged)
	assert.Equal(t, 2, sum.RecordsInserted)
	assert.Equal(t, 1, sum.RecordsUpdated)
}

func TestIncrementalParcelChangeSkipsBuffers(t *testing.T) {
	store := newFakeStore()
	store.changes["parcels"] = models.LayerChange{Updated: 3}
	o, tracker := testOrchestrator(store, nil)

	require.NoError(t, o.Run(context.Background(), ModeIncremental))

	assert.Equal(t, []string{"compliance", "summary"}, store.stages)
	sum := tracker.completed[0]
	assert.False(t, sum.StreamsChanged)
	assert.True(t, sum.ParcelsChanged)
	assert.False(t, sum.BuffersChanged)
}

func TestFullRunExecutesEveryStage(t *testing.T) {
	store := newFakeStore()
	o, tracker := testOrchestrator(store, nil)

	require.NoError(t, o.Run(context.Background(), ModeFull))

	assert.Equal(t, []string{"buffers", "compliance", "summary"}, store.stages)
	assert.Contains(t, store.replaced, "watersheds")
	assert.Contains(t, store.replaced, "streams")
	assert.Contains(t, store.replaced, "parcels")
	require.Len(t, tracker.completed, 1)
	assert.True(t, tracker.completed[0].BuffersChanged)
}

func TestAllModeAppendsVegetationScoring(t *testing.T) {
	store := newFakeStore()
	veg := &fakeScorer{count: 7}
	o, tracker := testOrchestrator(store, veg)

	require.NoError(t, o.Run(context.Background(), ModeAll))

	require.Len(t, veg.dates, 1)
	assert.Nil(t, veg.dates[0]) // incremental auto-ranging
	assert.Contains(t, store.stages, "summary_ndvi")
	require.Len(t, tracker.completed, 1)
	assert.Equal(t, 7, tracker.completed[0].RecordsInserted)
}

func TestStageFailureRecordsExactlyOneFailedRun(t *testing.T) {
	store := newFakeStore()
	store.changes["streams"] = models.LayerChange{Inserted: 1}
	store.stageErr["compliance"] = errors.New("deadlock detected")
	o, tracker := testOrchestrator(store, nil)

	err := o.Run(context.Background(), ModeIncremental)
	require.Error(t, err)

	assert.Len(t, tracker.begun, 1)
	assert.Len(t, tracker.failed, 1)
	assert.Empty(t, tracker.completed)
}

func TestCancelledRunIsRecordedFailed(t *testing.T) {
	store := newFakeStore()
	o, tracker := testOrchestrator(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.Run(ctx, ModeIncremental)
	require.Error(t, err)
	require.Len(t, tracker.failed, 1)
	assert.ErrorIs(t, tracker.failed[0], context.Canceled)
	assert.Empty(t, tracker.completed)
}

func TestIncrementalRunIsIdempotent(t *testing.T) {
	store := newFakeStore()
	o, tracker := testOrchestrator(store, nil)

	require.NoError(t, o.Run(context.Background(), ModeIncremental))
	require.NoError(t, o.Run(context.Background(), ModeIncremental))

	require.Len(t, tracker.completed, 2)
	for _, sum := range tracker.completed {
		assert.False(t, sum.StreamsChanged)
		assert.False(t, sum.ParcelsChanged)
		assert.False(t, sum.BuffersChanged)
	}
	assert.Empty(t, store.stages)
}
