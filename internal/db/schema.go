package db

import (
	"context"
	"fmt"
)

// schemaDDL bootstraps the four namespaces. Raw → derived → aggregate is a
// strict one-directional dependency enforced with ON DELETE CASCADE so
// regenerating an ancestor invalidates every descendant; meta is orthogonal
// bookkeeping.
var schemaDDL = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE SCHEMA IF NOT EXISTS bronze`,
	`CREATE SCHEMA IF NOT EXISTS silver`,
	`CREATE SCHEMA IF NOT EXISTS gold`,
	`CREATE SCHEMA IF NOT EXISTS meta`,

	`CREATE TABLE IF NOT EXISTS bronze.watersheds (
		id          BIGSERIAL PRIMARY KEY,
		huc8        TEXT NOT NULL UNIQUE,
		name        TEXT,
		area_sq_km  DOUBLE PRECISION,
		states      TEXT,
		geom        geometry(Geometry, 4269) NOT NULL,
		imported_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS bronze.streams (
		id           BIGSERIAL PRIMARY KEY,
		comid        BIGINT NOT NULL UNIQUE,
		gnis_name    TEXT,
		reach_code   TEXT,
		ftype        TEXT,
		fcode        BIGINT,
		stream_order BIGINT,
		length_km    DOUBLE PRECISION,
		geom         geometry(Geometry, 4269) NOT NULL,
		imported_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS bronze.waterbodies (
		id          BIGSERIAL PRIMARY KEY,
		comid       BIGINT NOT NULL UNIQUE,
		gnis_name   TEXT,
		ftype       TEXT,
		fcode       BIGINT,
		area_sq_km  DOUBLE PRECISION,
		geom        geometry(Geometry, 4269) NOT NULL,
		imported_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS bronze.sinks (
		id          BIGSERIAL PRIMARY KEY,
		comid       BIGINT NOT NULL UNIQUE,
		gnis_name   TEXT,
		ftype       TEXT,
		fcode       BIGINT,
		geom        geometry(Geometry, 4269) NOT NULL,
		imported_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS bronze.parcels (
		id            BIGSERIAL PRIMARY KEY,
		parcel_id     TEXT NOT NULL UNIQUE,
		land_use_desc TEXT,
		land_use_code TEXT,
		zoning_desc   TEXT,
		owner_name    TEXT,
		land_acres    DOUBLE PRECISION,
		geom          geometry(Geometry, 4269) NOT NULL,
		imported_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS silver.riparian_buffers (
		id                BIGSERIAL PRIMARY KEY,
		stream_id         BIGINT NOT NULL REFERENCES bronze.streams(id) ON DELETE CASCADE,
		buffer_distance_m DOUBLE PRECISION NOT NULL,
		area_sq_m         DOUBLE PRECISION NOT NULL,
		geom              geometry(Geometry, 4269) NOT NULL,
		processed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS silver.parcel_compliance (
		id                BIGSERIAL PRIMARY KEY,
		parcel_id         BIGINT NOT NULL REFERENCES bronze.parcels(id) ON DELETE CASCADE,
		buffer_id         BIGINT NOT NULL REFERENCES silver.riparian_buffers(id) ON DELETE CASCADE,
		overlap_area_sq_m DOUBLE PRECISION NOT NULL,
		overlap_pct       DOUBLE PRECISION,
		is_focus_area     BOOLEAN NOT NULL DEFAULT FALSE,
		focus_area_reason TEXT,
		geom              geometry(Geometry, 4269),
		processed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS silver.vegetation_health (
		id               BIGSERIAL PRIMARY KEY,
		buffer_id        BIGINT NOT NULL REFERENCES silver.riparian_buffers(id) ON DELETE CASCADE,
		acquisition_date DATE NOT NULL,
		mean_ndvi        DOUBLE PRECISION NOT NULL,
		min_ndvi         DOUBLE PRECISION NOT NULL,
		max_ndvi         DOUBLE PRECISION NOT NULL,
		health_category  TEXT NOT NULL,
		season_context   TEXT NOT NULL,
		satellite        TEXT NOT NULL,
		processed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (buffer_id, acquisition_date, satellite)
	)`,

	`CREATE TABLE IF NOT EXISTS gold.riparian_summary (
		id                     BIGSERIAL PRIMARY KEY,
		watershed_id           BIGINT NOT NULL REFERENCES bronze.watersheds(id) ON DELETE CASCADE,
		huc8                   TEXT NOT NULL,
		total_stream_length_m  DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_buffer_area_sq_m DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_parcels          BIGINT NOT NULL DEFAULT 0,
		compliant_parcels      BIGINT NOT NULL DEFAULT 0,
		focus_area_parcels     BIGINT NOT NULL DEFAULT 0,
		compliance_pct         DOUBLE PRECISION,
		avg_ndvi               DOUBLE PRECISION,
		healthy_buffer_pct     DOUBLE PRECISION,
		degraded_buffer_pct    DOUBLE PRECISION,
		bare_buffer_pct        DOUBLE PRECISION,
		calculated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS meta.etl_runs (
		id               UUID PRIMARY KEY,
		run_type         TEXT NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at     TIMESTAMPTZ,
		status           TEXT NOT NULL DEFAULT 'running',
		records_inserted BIGINT NOT NULL DEFAULT 0,
		records_updated  BIGINT NOT NULL DEFAULT 0,
		records_skipped  BIGINT NOT NULL DEFAULT 0,
		error_message    TEXT,
		streams_changed  BOOLEAN NOT NULL DEFAULT FALSE,
		parcels_changed  BOOLEAN NOT NULL DEFAULT FALSE,
		buffers_changed  BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE INDEX IF NOT EXISTS streams_geom_idx ON bronze.streams USING GIST (geom)`,
	`CREATE INDEX IF NOT EXISTS parcels_geom_idx ON bronze.parcels USING GIST (geom)`,
	`CREATE INDEX IF NOT EXISTS buffers_geom_idx ON silver.riparian_buffers USING GIST (geom)`,
	`CREATE INDEX IF NOT EXISTS vegetation_buffer_idx ON silver.vegetation_health (buffer_id, acquisition_date)`,
}

// EnsureSchema creates the schemas, tables, and indexes if missing.
// Idempotent: safe to run on every service start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
