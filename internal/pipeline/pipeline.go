// Package pipeline sequences the medallion stages: raw ingestion from ArcGIS
// REST services, spatial derivation in PostGIS, and the watershed rollup.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/emeraldleaf/riparian-poc/internal/arcgis"
	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// Fetcher pulls feature pages from a REST feature service.
type Fetcher interface {
	FetchAll(ctx context.Context, q arcgis.Query, batchSize int) ([]*geojson.Feature, error)
}

// Storage is the persistence surface the pipeline drives.
type Storage interface {
	EnsureSchema(ctx context.Context) error
	WatershedEnvelope(ctx context.Context, huc8 string) (*models.Envelope, error)
	UpsertLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (models.LayerChange, error)
	ReplaceLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (int, error)
	GenerateBuffers(ctx context.Context, distanceM float64) (int64, error)
	AnalyzeCompliance(ctx context.Context) (int64, error)
	CalculateSummary(ctx context.Context) (int64, error)
	UpdateSummaryNDVI(ctx context.Context) (int64, error)
}

// Pipeline runs the bronze/silver/gold stages against injected
// collaborators so each stage is testable with fakes.
type Pipeline struct {
	cfg    config.Config
	client Fetcher
	store  Storage
	log    *logging.Logger
}

// New wires a pipeline from its collaborators.
func New(cfg config.Config, client Fetcher, store Storage, log *logging.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, client: client, store: store, log: log}
}

// NHDPlus layer indices on the feature server.
const (
	nhdFlowlineLayer  = 2
	nhdWaterbodyLayer = 1
	nhdSinkLayer      = 0
)

func streamsSpec() models.LayerSpec {
	return models.LayerSpec{
		Name:           "streams",
		Schema:         "bronze",
		ConflictColumn: "comid",
		Columns: []string{"comid", "gnis_name", "reach_code", "ftype",
			"fcode", "stream_order", "length_km"},
		UpdateColumns: []string{"gnis_name", "reach_code", "ftype",
			"fcode", "stream_order", "length_km", "geom"},
	}
}

func streamsMap() LayerMap {
	return LayerMap{
		Fields: map[string]string{
			"COMID": "comid", "GNIS_NAME": "gnis_name",
			"REACHCODE": "reach_code", "FTYPE": "ftype",
			"FCODE": "fcode", "StreamOrde": "stream_order",
			"LENGTHKM": "length_km",
		},
		IDColumn:   "comid",
		IntColumns: []string{"comid", "fcode", "stream_order"},
	}
}

func waterbodiesSpec() models.LayerSpec {
	return models.LayerSpec{
		Name:           "waterbodies",
		Schema:         "bronze",
		ConflictColumn: "comid",
		Columns:        []string{"comid", "gnis_name", "ftype", "fcode", "area_sq_km"},
		UpdateColumns:  []string{"gnis_name", "ftype", "fcode", "area_sq_km", "geom"},
	}
}

func waterbodiesMap() LayerMap {
	return LayerMap{
		Fields: map[string]string{
			"COMID": "comid", "GNIS_NAME": "gnis_name",
			"FTYPE": "ftype", "FCODE": "fcode", "AREASQKM": "area_sq_km",
		},
		IDColumn:   "comid",
		IntColumns: []string{"comid", "fcode"},
	}
}

func sinksSpec() models.LayerSpec {
	return models.LayerSpec{
		Name:           "sinks",
		Schema:         "bronze",
		ConflictColumn: "comid",
		Columns:        []string{"comid", "gnis_name", "ftype", "fcode"},
		UpdateColumns:  []string{"gnis_name", "ftype", "fcode", "geom"},
	}
}

func sinksMap() LayerMap {
	// The sinks layer has its own attribute schema (SINKID, PURPCODE).
	return LayerMap{
		Fields: map[string]string{
			"SINKID": "comid", "PURPDESC": "gnis_name",
			"PURPCODE": "ftype", "GridCode": "fcode",
		},
		IDColumn:   "comid",
		IntColumns: []string{"comid", "fcode"},
	}
}

func watershedSpec() models.LayerSpec {
	return models.LayerSpec{
		Name:           "watersheds",
		Schema:         "bronze",
		ConflictColumn: "huc8",
		Columns:        []string{"huc8", "name", "area_sq_km", "states"},
		UpdateColumns:  []string{"name", "area_sq_km", "states", "geom"},
	}
}

func watershedMap() LayerMap {
	return LayerMap{
		Fields: map[string]string{
			"HUC8": "huc8", "NAME": "name",
			"AREASQKM": "area_sq_km", "STATES": "states",
		},
		IDColumn: "huc8",
	}
}

func parcelsSpec() models.LayerSpec {
	return models.LayerSpec{
		Name:           "parcels",
		Schema:         "bronze",
		ConflictColumn: "parcel_id",
		Columns: []string{"parcel_id", "land_use_desc", "land_use_code",
			"zoning_desc", "owner_name", "land_acres"},
		UpdateColumns: []string{"land_use_desc", "land_use_code",
			"zoning_desc", "owner_name", "land_acres", "geom"},
	}
}

func parcelsMap() LayerMap {
	return LayerMap{
		Fields: map[string]string{
			"parcel_id": "parcel_id", "landUseDsc": "land_use_desc",
			"landUseCde": "land_use_code", "zoningDesc": "zoning_desc",
			"owner": "owner_name", "landAcres": "land_acres",
		},
		IDColumn: "parcel_id",
	}
}

// LoadWatershed refreshes the study-area boundary. Incremental runs merge it
// on huc8 so the row (and the aggregate rows keyed to its serial id) survives
// the refresh; only a full rebuild replaces the table outright.
func (p *Pipeline) LoadWatershed(ctx context.Context, incremental bool) (models.LayerChange, error) {
	p.log.Info("loading watershed boundary", "huc8", p.cfg.HUC8)
	change := models.LayerChange{Layer: "watersheds"}

	feats, err := p.client.FetchAll(ctx, arcgis.Query{
		URL:       p.cfg.WatershedURL,
		Where:     fmt.Sprintf("HUC8='%s'", p.cfg.HUC8),
		OutFields: "HUC8,NAME,AREASQKM,STATES",
	}, p.cfg.BatchSize)
	if err != nil {
		return change, fmt.Errorf("fetch watershed: %w", err)
	}

	rows, dropped := MapFeatures(feats, watershedMap())
	if len(rows) == 0 {
		return change, fmt.Errorf("no watershed found for HUC8 %s", p.cfg.HUC8)
	}
	if dropped > 0 {
		p.log.Warn("dropped malformed watershed features", "dropped", dropped)
	}

	if incremental {
		change, err = p.store.UpsertLayer(ctx, watershedSpec(), rows)
		if err != nil {
			return change, err
		}
	} else {
		n, err := p.store.ReplaceLayer(ctx, watershedSpec(), rows)
		if err != nil {
			return change, err
		}
		change.Inserted = n
	}
	p.log.Info("loaded watershed boundary")
	return change, nil
}

// loadLayer fetches one layer and writes it either as a full replace or an
// incremental merge depending on the run mode.
func (p *Pipeline) loadLayer(ctx context.Context, spec models.LayerSpec, m LayerMap, q arcgis.Query, incremental bool) (models.LayerChange, error) {
	change := models.LayerChange{Layer: spec.Name}

	feats, err := p.client.FetchAll(ctx, q, p.cfg.BatchSize)
	if err != nil {
		return change, fmt.Errorf("fetch %s: %w", spec.Name, err)
	}
	rows, dropped := MapFeatures(feats, m)
	if dropped > 0 {
		p.log.Info("dropped features without identifier or geometry",
			"layer", spec.Name, "dropped", dropped)
	}
	if len(rows) == 0 {
		p.log.Warn("no features found in study area", "layer", spec.Name)
		return change, nil
	}

	if incremental {
		return p.store.UpsertLayer(ctx, spec, rows)
	}
	n, err := p.store.ReplaceLayer(ctx, spec, rows)
	if err != nil {
		return change, err
	}
	change.Inserted = n
	return change, nil
}

// HydrographyChange splits the flowline merge outcome from the auxiliary
// water features. Waterbodies and sinks feed no derived stage, so only the
// Streams component may mark downstream classes stale.
type HydrographyChange struct {
	Streams models.LayerChange
	Aux     models.LayerChange
}

// Total folds both components into one count set for run accounting.
func (c HydrographyChange) Total() models.LayerChange {
	return c.Streams.Add(c.Aux)
}

// LoadHydrography loads the NHDPlus streams and waterbodies, spatially
// filtered to the watershed bounding box. The sinks layer is loaded on a
// best-effort basis: it is not an input to any derived stage, so a source
// failure there degrades to a warning.
func (p *Pipeline) LoadHydrography(ctx context.Context, incremental bool) (HydrographyChange, error) {
	p.log.Info("loading hydrography layers", "incremental", incremental)

	env, err := p.store.WatershedEnvelope(ctx, p.cfg.HUC8)
	if err != nil {
		return HydrographyChange{}, fmt.Errorf("watershed envelope: %w", err)
	}

	var hydro HydrographyChange

	hydro.Streams, err = p.loadLayer(ctx, streamsSpec(), streamsMap(), arcgis.Query{
		URL:      fmt.Sprintf("%s/%d", p.cfg.NHDPlusURL, nhdFlowlineLayer),
		Envelope: env,
	}, incremental)
	if err != nil {
		return hydro, err
	}

	waterbodies, err := p.loadLayer(ctx, waterbodiesSpec(), waterbodiesMap(), arcgis.Query{
		URL:      fmt.Sprintf("%s/%d", p.cfg.NHDPlusURL, nhdWaterbodyLayer),
		Envelope: env,
	}, incremental)
	if err != nil {
		return hydro, err
	}
	hydro.Aux = hydro.Aux.Add(waterbodies)

	sinks, err := p.loadLayer(ctx, sinksSpec(), sinksMap(), arcgis.Query{
		URL:      fmt.Sprintf("%s/%d", p.cfg.NHDPlusURL, nhdSinkLayer),
		Envelope: env,
	}, incremental)
	if err != nil {
		if ctx.Err() != nil {
			return hydro, err
		}
		p.log.Warn("sinks layer could not be loaded, continuing without it",
			"error", err)
	} else {
		hydro.Aux = hydro.Aux.Add(sinks)
	}

	total := hydro.Total()
	p.log.Info("finished hydrography layers",
		"inserted", total.Inserted, "updated", total.Updated, "skipped", total.Skipped)
	return hydro, nil
}

// LoadParcels loads the county parcel layer filtered to the watershed
// bounding box, renaming source attributes to database columns.
func (p *Pipeline) LoadParcels(ctx context.Context, incremental bool) (models.LayerChange, error) {
	p.log.Info("loading parcels", "incremental", incremental)

	env, err := p.store.WatershedEnvelope(ctx, p.cfg.HUC8)
	if err != nil {
		return models.LayerChange{}, fmt.Errorf("watershed envelope: %w", err)
	}

	m := parcelsMap()
	fields := make([]string, 0, len(m.Fields))
	for src := range m.Fields {
		fields = append(fields, src)
	}
	sort.Strings(fields)

	change, err := p.loadLayer(ctx, parcelsSpec(), m, arcgis.Query{
		URL:       p.cfg.ParcelsURL,
		OutFields: strings.Join(fields, ","),
		Envelope:  env,
	}, incremental)
	if err != nil {
		return change, err
	}

	p.log.Info("finished parcels",
		"inserted", change.Inserted, "updated", change.Updated, "skipped", change.Skipped)
	return change, nil
}
