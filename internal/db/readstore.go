package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WatershedSummary is a gold rollup row served by the read API.
type WatershedSummary struct {
	HUC8                string     `json:"huc8"`
	Name                *string    `json:"name,omitempty"`
	TotalStreamLengthM  float64    `json:"total_stream_length_m"`
	TotalBufferAreaSqM  float64    `json:"total_buffer_area_sq_m"`
	TotalParcels        int64      `json:"total_parcels"`
	CompliantParcels    int64      `json:"compliant_parcels"`
	FocusAreaParcels    int64      `json:"focus_area_parcels"`
	CompliancePct       *float64   `json:"compliance_pct,omitempty"`
	AvgNDVI             *float64   `json:"avg_ndvi,omitempty"`
	HealthyBufferPct    *float64   `json:"healthy_buffer_pct,omitempty"`
	DegradedBufferPct   *float64   `json:"degraded_buffer_pct,omitempty"`
	BareBufferPct       *float64   `json:"bare_buffer_pct,omitempty"`
	CalculatedAt        time.Time  `json:"calculated_at"`
}

// BufferFeature is one riparian buffer serialized as a GeoJSON feature.
type BufferFeature struct {
	ID              int64           `json:"id"`
	StreamID        int64           `json:"stream_id"`
	BufferDistanceM float64         `json:"buffer_distance_m"`
	AreaSqM         float64         `json:"area_sq_m"`
	Geometry        json.RawMessage `json:"geometry"`
}

// ComplianceRecord is one parcel/buffer encroachment.
type ComplianceRecord struct {
	ID              int64    `json:"id"`
	ParcelID        string   `json:"parcel_id"`
	BufferID        int64    `json:"buffer_id"`
	OverlapAreaSqM  float64  `json:"overlap_area_sq_m"`
	OverlapPct      *float64 `json:"overlap_pct,omitempty"`
	FocusAreaReason *string  `json:"focus_area_reason,omitempty"`
}

// HealthRecord is one vegetation reading for a buffer.
type HealthRecord struct {
	BufferID        int64     `json:"buffer_id"`
	AcquisitionDate time.Time `json:"acquisition_date"`
	MeanNDVI        float64   `json:"mean_ndvi"`
	MinNDVI         float64   `json:"min_ndvi"`
	MaxNDVI         float64   `json:"max_ndvi"`
	HealthCategory  string    `json:"health_category"`
	SeasonContext   string    `json:"season_context"`
	Satellite       string    `json:"satellite"`
}

const listSummariesSQL = `
	SELECT rs.huc8, w.name, rs.total_stream_length_m, rs.total_buffer_area_sq_m,
	       rs.total_parcels, rs.compliant_parcels, rs.focus_area_parcels,
	       rs.compliance_pct, rs.avg_ndvi, rs.healthy_buffer_pct,
	       rs.degraded_buffer_pct, rs.bare_buffer_pct, rs.calculated_at
	FROM gold.riparian_summary rs
	JOIN bronze.watersheds w ON w.id = rs.watershed_id
	ORDER BY rs.calculated_at DESC`

// ListSummaries returns the watershed compliance rollups, newest first.
func (s *Store) ListSummaries(ctx context.Context) ([]WatershedSummary, error) {
	rows, err := s.pool.Query(ctx, listSummariesSQL)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	summaries := make([]WatershedSummary, 0)
	for rows.Next() {
		var ws WatershedSummary
		if err := rows.Scan(
			&ws.HUC8,
			&ws.Name,
			&ws.TotalStreamLengthM,
			&ws.TotalBufferAreaSqM,
			&ws.TotalParcels,
			&ws.CompliantParcels,
			&ws.FocusAreaParcels,
			&ws.CompliancePct,
			&ws.AvgNDVI,
			&ws.HealthyBufferPct,
			&ws.DegradedBufferPct,
			&ws.BareBufferPct,
			&ws.CalculatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, ws)
	}
	return summaries, rows.Err()
}

const listBufferFeaturesSQL = `
	SELECT id, stream_id, buffer_distance_m, area_sq_m, ST_AsGeoJSON(geom)
	FROM silver.riparian_buffers
	ORDER BY id
	LIMIT $1`

// ListBufferFeatures returns buffer polygons with GeoJSON geometry.
func (s *Store) ListBufferFeatures(ctx context.Context, limit int) ([]BufferFeature, error) {
	rows, err := s.pool.Query(ctx, listBufferFeaturesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list buffer features: %w", err)
	}
	defer rows.Close()

	features := make([]BufferFeature, 0)
	for rows.Next() {
		var f BufferFeature
		var geo string
		if err := rows.Scan(&f.ID, &f.StreamID, &f.BufferDistanceM, &f.AreaSqM, &geo); err != nil {
			return nil, fmt.Errorf("scan buffer feature: %w", err)
		}
		f.Geometry = json.RawMessage(geo)
		features = append(features, f)
	}
	return features, rows.Err()
}

const listComplianceSQL = `
	SELECT pc.id, p.parcel_id, pc.buffer_id, pc.overlap_area_sq_m,
	       pc.overlap_pct, pc.focus_area_reason
	FROM silver.parcel_compliance pc
	JOIN bronze.parcels p ON p.id = pc.parcel_id
	WHERE pc.is_focus_area = TRUE
	ORDER BY pc.overlap_area_sq_m DESC
	LIMIT $1`

// ListCompliance returns focus-area encroachments, widest overlap first.
func (s *Store) ListCompliance(ctx context.Context, limit int) ([]ComplianceRecord, error) {
	rows, err := s.pool.Query(ctx, listComplianceSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list compliance: %w", err)
	}
	defer rows.Close()

	records := make([]ComplianceRecord, 0)
	for rows.Next() {
		var r ComplianceRecord
		if err := rows.Scan(&r.ID, &r.ParcelID, &r.BufferID,
			&r.OverlapAreaSqM, &r.OverlapPct, &r.FocusAreaReason); err != nil {
			return nil, fmt.Errorf("scan compliance: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const bufferHealthSQL = `
	SELECT buffer_id, acquisition_date, mean_ndvi, min_ndvi, max_ndvi,
	       health_category, season_context, satellite
	FROM silver.vegetation_health
	WHERE buffer_id = $1
	ORDER BY acquisition_date DESC
	LIMIT $2`

// BufferHealth returns the vegetation reading history for one buffer,
// newest first.
func (s *Store) BufferHealth(ctx context.Context, bufferID int64, limit int) ([]HealthRecord, error) {
	rows, err := s.pool.Query(ctx, bufferHealthSQL, bufferID, limit)
	if err != nil {
		return nil, fmt.Errorf("buffer health: %w", err)
	}
	defer rows.Close()

	records := make([]HealthRecord, 0)
	for rows.Next() {
		var r HealthRecord
		if err := rows.Scan(&r.BufferID, &r.AcquisitionDate, &r.MeanNDVI,
			&r.MinNDVI, &r.MaxNDVI, &r.HealthCategory, &r.SeasonContext,
			&r.Satellite); err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
