package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// storageSRID is the CRS every geometry is stored in (NAD83 lon/lat).
const storageSRID = 4269

// Store wraps pooled access to the medallion database: bronze (raw),
// silver (derived), gold (aggregate), and meta (run bookkeeping).
type Store struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string, log *logging.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Pool exposes the underlying pool for collaborators that share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CountRows returns the row count of one table.
func (s *Store) CountRows(ctx context.Context, schema, table string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s.%s", schema, table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", schema, table, err)
	}
	return count, nil
}

// WatershedEnvelope returns the bounding box of the study watershed for
// use as a spatial fetch filter.
func (s *Store) WatershedEnvelope(ctx context.Context, huc8 string) (*models.Envelope, error) {
	const q = `
		SELECT ST_XMin(geom), ST_YMin(geom), ST_XMax(geom), ST_YMax(geom)
		FROM bronze.watersheds WHERE huc8 = $1 LIMIT 1`

	var env models.Envelope
	err := s.pool.QueryRow(ctx, q, huc8).Scan(&env.MinX, &env.MinY, &env.MaxX, &env.MaxY)
	if err != nil {
		return nil, fmt.Errorf("no watershed found for HUC8 %s: %w", huc8, err)
	}
	return &env, nil
}

// ewktValue renders a geometry as EWKT with the storage SRID, suitable
// for ST_GeomFromEWKT on the way in.
func ewktValue(g geom.T) (string, error) {
	text, err := wkt.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	return fmt.Sprintf("SRID=%d;%s", storageSRID, text), nil
}

// decodeEWKB parses a PostGIS EWKB payload back into a geometry.
func decodeEWKB(data []byte) (geom.T, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return g, nil
}
