package db

import (
	"context"
	"fmt"
)

const generateBuffersSQL = `
	INSERT INTO silver.riparian_buffers
		(stream_id, buffer_distance_m, area_sq_m, geom)
	SELECT
		s.id,
		$1,
		ST_Area(ST_Buffer(s.geom::geography, $1)),
		ST_SetSRID(ST_Buffer(s.geom::geography, $1)::geometry, 4269)
	FROM bronze.streams s`

// Bounding-box pre-filter (&&) before the expensive ST_Intersects.
const analyzeComplianceSQL = `
	WITH intersections AS (
		SELECT
			p.id AS parcel_id,
			b.id AS buffer_id,
			b.area_sq_m AS buffer_area_sq_m,
			ST_Intersection(p.geom, b.geom) AS overlap_geom
		FROM bronze.parcels p
		JOIN silver.riparian_buffers b
			ON p.geom && b.geom
			AND ST_Intersects(p.geom, b.geom)
	)
	INSERT INTO silver.parcel_compliance (
		parcel_id, buffer_id, overlap_area_sq_m, overlap_pct,
		is_focus_area, focus_area_reason, geom
	)
	SELECT
		i.parcel_id,
		i.buffer_id,
		ST_Area(i.overlap_geom::geography),
		ST_Area(i.overlap_geom::geography)
			/ NULLIF(i.buffer_area_sq_m, 0) * 100,
		TRUE,
		'Parcel overlaps riparian buffer zone',
		i.overlap_geom
	FROM intersections i
	WHERE ST_Area(i.overlap_geom::geography) > 1`

const calculateSummarySQL = `
	WITH stream_stats AS (
		SELECT
			w.id AS watershed_id,
			w.huc8,
			COALESCE(SUM(ST_Length(s.geom::geography)), 0)
				AS total_stream_length_m
		FROM bronze.watersheds w
		LEFT JOIN bronze.streams s
			ON s.geom && w.geom AND ST_Intersects(s.geom, w.geom)
		GROUP BY w.id, w.huc8
	),
	buffer_stats AS (
		SELECT
			w.id AS watershed_id,
			COALESCE(SUM(b.area_sq_m), 0) AS total_buffer_area_sq_m
		FROM bronze.watersheds w
		LEFT JOIN bronze.streams s
			ON s.geom && w.geom AND ST_Intersects(s.geom, w.geom)
		LEFT JOIN silver.riparian_buffers b ON b.stream_id = s.id
		GROUP BY w.id
	),
	parcel_stats AS (
		SELECT
			w.id AS watershed_id,
			COUNT(DISTINCT p.id) AS total_parcels,
			COUNT(DISTINCT CASE
				WHEN pc.is_focus_area THEN pc.parcel_id
			END) AS focus_area_parcels
		FROM bronze.watersheds w
		LEFT JOIN bronze.parcels p
			ON p.geom && w.geom AND ST_Intersects(p.geom, w.geom)
		LEFT JOIN silver.parcel_compliance pc
			ON pc.parcel_id = p.id AND pc.is_focus_area = TRUE
		GROUP BY w.id
	)
	INSERT INTO gold.riparian_summary (
		watershed_id, huc8, total_stream_length_m, total_buffer_area_sq_m,
		total_parcels, compliant_parcels, focus_area_parcels, compliance_pct
	)
	SELECT
		ss.watershed_id,
		ss.huc8,
		ss.total_stream_length_m,
		bs.total_buffer_area_sq_m,
		ps.total_parcels,
		ps.total_parcels - ps.focus_area_parcels,
		ps.focus_area_parcels,
		CASE
			WHEN ps.total_parcels > 0
			THEN (ps.total_parcels - ps.focus_area_parcels)::NUMERIC
				/ ps.total_parcels * 100
			ELSE 100
		END
	FROM stream_stats ss
	JOIN buffer_stats bs ON bs.watershed_id = ss.watershed_id
	JOIN parcel_stats ps ON ps.watershed_id = ss.watershed_id`

// Latest peak-growing reading per buffer drives the health percentages;
// dormant readings are excluded so winter scenes cannot dilute the stats.
const updateSummaryNDVISQL = `
	UPDATE gold.riparian_summary rs SET
		avg_ndvi = agg.avg_ndvi,
		healthy_buffer_pct = agg.healthy_pct,
		degraded_buffer_pct = agg.degraded_pct,
		bare_buffer_pct = agg.bare_pct
	FROM (
		SELECT
			AVG(vh.mean_ndvi) AS avg_ndvi,
			COUNT(*) FILTER (WHERE vh.health_category = 'healthy') * 100.0
				/ NULLIF(COUNT(*), 0) AS healthy_pct,
			COUNT(*) FILTER (WHERE vh.health_category = 'degraded') * 100.0
				/ NULLIF(COUNT(*), 0) AS degraded_pct,
			COUNT(*) FILTER (WHERE vh.health_category = 'bare') * 100.0
				/ NULLIF(COUNT(*), 0) AS bare_pct
		FROM silver.vegetation_health vh
		WHERE vh.id IN (
			SELECT DISTINCT ON (buffer_id) id
			FROM silver.vegetation_health
			WHERE season_context = 'peak_growing'
			ORDER BY buffer_id, acquisition_date DESC
		)
	) agg
	WHERE rs.id = (SELECT MAX(id) FROM gold.riparian_summary)`

// GenerateBuffers regenerates riparian buffer polygons around every stream
// centerline. ST_Buffer on the geography type keeps the distance accurate in
// meters regardless of latitude. Regeneration clears all derived rows, which
// cascades through compliance and vegetation readings, so any accumulated
// NDVI history is lost and needs re-scoring afterwards.
func (s *Store) GenerateBuffers(ctx context.Context, distanceM float64) (int64, error) {
	s.log.Info("generating riparian buffers",
		"distance_m", distanceM, "distance_ft", distanceM*3.28084)

	readings, err := s.CountRows(ctx, "silver", "vegetation_health")
	if err != nil {
		return 0, err
	}
	if readings > 0 {
		s.log.Warn("buffer regeneration deletes vegetation readings; re-run ndvi mode to restore them",
			"readings", readings)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin buffer generation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM silver.riparian_buffers"); err != nil {
		return 0, fmt.Errorf("clear riparian_buffers: %w", err)
	}
	tag, err := tx.Exec(ctx, generateBuffersSQL, distanceM)
	if err != nil {
		return 0, fmt.Errorf("generate buffers: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit buffer generation: %w", err)
	}

	s.log.Info("generated riparian buffers", "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// AnalyzeCompliance flags parcels whose geometry encroaches on a riparian
// buffer. Overlaps of 1 square meter or less are discarded as coordinate
// rounding artifacts rather than real encroachment.
func (s *Store) AnalyzeCompliance(ctx context.Context) (int64, error) {
	s.log.Info("analyzing parcel-buffer compliance")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin compliance analysis: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM silver.parcel_compliance"); err != nil {
		return 0, fmt.Errorf("clear parcel_compliance: %w", err)
	}
	tag, err := tx.Exec(ctx, analyzeComplianceSQL)
	if err != nil {
		return 0, fmt.Errorf("analyze compliance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit compliance analysis: %w", err)
	}

	s.log.Info("found compliance focus areas", "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// CalculateSummary rebuilds the per-watershed compliance rollup: total stream
// length, buffered area, and parcel compliance rates. Vegetation statistics
// are patched in separately by UpdateSummaryNDVI.
func (s *Store) CalculateSummary(ctx context.Context) (int64, error) {
	s.log.Info("calculating watershed summary")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin summary calculation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM gold.riparian_summary"); err != nil {
		return 0, fmt.Errorf("clear riparian_summary: %w", err)
	}
	tag, err := tx.Exec(ctx, calculateSummarySQL)
	if err != nil {
		return 0, fmt.Errorf("calculate summary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit summary calculation: %w", err)
	}

	s.log.Info("generated summary records", "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// UpdateSummaryNDVI patches the most recent summary row with aggregated
// vegetation health statistics from the latest peak-growing reading per
// buffer. A no-op when no summary or no readings exist yet.
func (s *Store) UpdateSummaryNDVI(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, updateSummaryNDVISQL)
	if err != nil {
		return 0, fmt.Errorf("update summary vegetation stats: %w", err)
	}
	s.log.Info("updated summary with vegetation stats", "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
