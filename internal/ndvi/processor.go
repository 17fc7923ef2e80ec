package ndvi

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"

	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
	"github.com/emeraldleaf/riparian-poc/internal/stac"
)

// Catalog searches the imagery catalog for scenes over a bounding box.
type Catalog interface {
	Search(ctx context.Context, bbox models.Envelope, dates stac.DateRange, maxCloudCover int) ([]stac.Scene, error)
}

// Clipper returns the pixel values of a raster band restricted to a geometry.
type Clipper interface {
	ClipBand(ctx context.Context, href string, g geom.T) ([]float64, error)
}

// Store is the persistence surface the processor needs.
type Store interface {
	ListBuffers(ctx context.Context) ([]models.BufferGeom, error)
	WatershedEnvelope(ctx context.Context, huc8 string) (*models.Envelope, error)
	LastAcquisitionDate(ctx context.Context) (*time.Time, error)
	ProcessedReadingKeys(ctx context.Context) (map[models.ReadingKey]struct{}, error)
	UpsertReadings(ctx context.Context, readings []models.VegetationReading) (int, error)
}

// Options configure a Processor.
type Options struct {
	HUC8          string
	MaxCloudCover int
	Policy        Policy
	Satellite     string
	NIRBand       string
	RedBand       string
	// Workers bounds the per-buffer clip concurrency within one scene.
	Workers int
}

// Processor scores vegetation health for riparian buffers. One catalog
// search covers the whole watershed; each matching scene is then clipped
// per buffer, scored, classified, and upserted keyed on
// (buffer, acquisition date, satellite).
type Processor struct {
	catalog Catalog
	clipper Clipper
	store   Store
	opts    Options
	log     *logging.Logger
}

// NewProcessor wires a processor from its collaborators.
func NewProcessor(catalog Catalog, clipper Clipper, store Store, opts Options, log *logging.Logger) *Processor {
	if opts.NIRBand == "" {
		opts.NIRBand = "B08"
	}
	if opts.RedBand == "" {
		opts.RedBand = "B04"
	}
	if opts.Satellite == "" {
		opts.Satellite = "Sentinel-2"
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Processor{catalog: catalog, clipper: clipper, store: store, opts: opts, log: log}
}

// Process scores all buffers for the given date range and returns the
// number of readings written. A nil range means incremental: resume the
// day after the last stored acquisition, falling back to the start of the
// current growing season.
func (p *Processor) Process(ctx context.Context, dates *stac.DateRange) (int, error) {
	rng, err := p.resolveRange(ctx, dates)
	if err != nil {
		return 0, err
	}
	if rng == nil {
		p.log.Info("vegetation readings are up to date, nothing to process")
		return 0, nil
	}

	buffers, err := p.store.ListBuffers(ctx)
	if err != nil {
		return 0, fmt.Errorf("load buffers: %w", err)
	}
	if len(buffers) == 0 {
		p.log.Warn("no buffers exist, skipping vegetation scoring")
		return 0, nil
	}

	bbox, err := p.store.WatershedEnvelope(ctx, p.opts.HUC8)
	if err != nil {
		return 0, fmt.Errorf("load watershed envelope: %w", err)
	}

	processed, err := p.store.ProcessedReadingKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("load processed reading keys: %w", err)
	}

	scenes, err := p.catalog.Search(ctx, *bbox, *rng, p.opts.MaxCloudCover)
	if err != nil {
		return 0, fmt.Errorf("search imagery catalog: %w", err)
	}
	if len(scenes) == 0 {
		p.log.Info("no imagery found", "range", rng.String())
		return 0, nil
	}
	p.log.Info("scoring vegetation", "scenes", len(scenes), "buffers", len(buffers), "range", rng.String())

	var readings []models.VegetationReading
	for i, scene := range scenes {
		batch, err := p.processScene(ctx, scene, buffers, processed)
		if err != nil {
			// Only context cancellation propagates; per-scene and
			// per-buffer failures are recovered locally.
			return 0, err
		}
		p.log.Info("processed scene", "scene", scene.ID, "index", i+1, "of", len(scenes), "readings", len(batch))
		readings = append(readings, batch...)
	}

	count, err := p.store.UpsertReadings(ctx, readings)
	if err != nil {
		return 0, fmt.Errorf("persist vegetation readings: %w", err)
	}
	p.log.Info("wrote vegetation readings", "count", count)
	return count, nil
}

func (p *Processor) resolveRange(ctx context.Context, dates *stac.DateRange) (*stac.DateRange, error) {
	if dates != nil {
		return dates, nil
	}

	now := time.Now().UTC()
	start := time.Date(now.Year(), p.opts.Policy.SeasonStart, 1, 0, 0, 0, 0, time.UTC)

	last, err := p.store.LastAcquisitionDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last acquisition date: %w", err)
	}
	if last != nil {
		start = last.AddDate(0, 0, 1)
	}
	if start.After(now) {
		return nil, nil
	}
	return &stac.DateRange{Start: start, End: now}, nil
}

// processScene extracts one reading per covered buffer. Failures of a
// single buffer are logged and skipped; the scene keeps going.
func (p *Processor) processScene(ctx context.Context, scene stac.Scene, buffers []models.BufferGeom, processed map[models.ReadingKey]struct{}) ([]models.VegetationReading, error) {
	nir, okNIR := scene.Assets[p.opts.NIRBand]
	red, okRed := scene.Assets[p.opts.RedBand]
	if !okNIR || !okRed {
		p.log.Warn("scene missing required bands", "scene", scene.ID)
		return nil, nil
	}
	if scene.AcquiredAt.IsZero() {
		p.log.Warn("scene missing acquisition datetime", "scene", scene.ID)
		return nil, nil
	}

	acqDate := scene.AcquiredAt.UTC().Truncate(24 * time.Hour)
	season := p.opts.Policy.Season(acqDate)

	var (
		mu       sync.Mutex
		readings []models.VegetationReading
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for _, buf := range buffers {
		if !intersectsScene(buf.Geom, scene.BBox) {
			continue
		}
		key := models.ReadingKey{
			BufferID:  buf.ID,
			Date:      acqDate.Format("2006-01-02"),
			Satellite: p.opts.Satellite,
		}
		if _, done := processed[key]; done {
			continue
		}

		buf := buf
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reading, err := p.scoreBuffer(gctx, buf, nir.Href, red.Href, acqDate, season)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.log.Warn("failed to score buffer", "buffer", buf.ID, "scene", scene.ID, "error", err)
				return nil
			}
			if reading == nil {
				return nil
			}
			mu.Lock()
			readings = append(readings, *reading)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return readings, nil
}

func (p *Processor) scoreBuffer(ctx context.Context, buf models.BufferGeom, nirHref, redHref string, acqDate time.Time, season string) (*models.VegetationReading, error) {
	nirPixels, err := p.clipper.ClipBand(ctx, nirHref, buf.Geom)
	if err != nil {
		return nil, fmt.Errorf("clip NIR: %w", err)
	}
	redPixels, err := p.clipper.ClipBand(ctx, redHref, buf.Geom)
	if err != nil {
		return nil, fmt.Errorf("clip red: %w", err)
	}

	stats := ComputeStats(Index(nirPixels, redPixels))
	if stats.Count == 0 {
		return nil, nil
	}

	return &models.VegetationReading{
		BufferID:        buf.ID,
		AcquisitionDate: acqDate,
		MeanNDVI:        round4(stats.Mean),
		MinNDVI:         round4(stats.Min),
		MaxNDVI:         round4(stats.Max),
		HealthCategory:  p.opts.Policy.Classify(stats.Mean, season),
		SeasonContext:   season,
		Satellite:       p.opts.Satellite,
	}, nil
}

// intersectsScene tests whether a buffer's bounds overlap the scene
// footprint bbox. An empty footprint means the scene covers everything
// we searched for.
func intersectsScene(g geom.T, sceneBBox []float64) bool {
	if len(sceneBBox) < 4 {
		return true
	}
	b := g.Bounds()
	return b.Min(0) <= sceneBBox[2] && b.Max(0) >= sceneBBox[0] &&
		b.Min(1) <= sceneBBox[3] && b.Max(1) >= sceneBBox[1]
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
