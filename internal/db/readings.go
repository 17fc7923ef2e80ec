package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// ListBuffers loads every riparian buffer polygon for vegetation scoring.
func (s *Store) ListBuffers(ctx context.Context) ([]models.BufferGeom, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ST_AsEWKB(geom) FROM silver.riparian_buffers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list buffers: %w", err)
	}
	defer rows.Close()

	var buffers []models.BufferGeom
	for rows.Next() {
		var b models.BufferGeom
		var raw []byte
		if err := rows.Scan(&b.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan buffer: %w", err)
		}
		if b.Geom, err = decodeEWKB(raw); err != nil {
			return nil, fmt.Errorf("decode buffer %d geometry: %w", b.ID, err)
		}
		buffers = append(buffers, b)
	}
	return buffers, rows.Err()
}

// LastAcquisitionDate returns the most recent scene date with a persisted
// reading, or nil when no readings exist yet.
func (s *Store) LastAcquisitionDate(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(acquisition_date) FROM silver.vegetation_health`).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last acquisition date: %w", err)
	}
	return last, nil
}

// ProcessedReadingKeys returns the identity of every persisted reading so the
// scorer can skip buffer/scene pairs it has already handled.
func (s *Store) ProcessedReadingKeys(ctx context.Context) (map[models.ReadingKey]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT buffer_id, acquisition_date, satellite FROM silver.vegetation_health`)
	if err != nil {
		return nil, fmt.Errorf("list reading keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[models.ReadingKey]struct{})
	for rows.Next() {
		var bufferID int64
		var date time.Time
		var satellite string
		if err := rows.Scan(&bufferID, &date, &satellite); err != nil {
			return nil, fmt.Errorf("scan reading key: %w", err)
		}
		keys[models.ReadingKey{
			BufferID:  bufferID,
			Date:      date.Format("2006-01-02"),
			Satellite: satellite,
		}] = struct{}{}
	}
	return keys, rows.Err()
}

const upsertReadingSQL = `
	INSERT INTO silver.vegetation_health
		(buffer_id, acquisition_date, mean_ndvi, min_ndvi, max_ndvi,
		 health_category, season_context, satellite)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (buffer_id, acquisition_date, satellite) DO UPDATE SET
		mean_ndvi = EXCLUDED.mean_ndvi,
		min_ndvi = EXCLUDED.min_ndvi,
		max_ndvi = EXCLUDED.max_ndvi,
		health_category = EXCLUDED.health_category,
		season_context = EXCLUDED.season_context,
		processed_at = now()`

// UpsertReadings persists a batch of vegetation readings in one transaction.
// Reprocessing the same buffer/scene/satellite overwrites in place rather
// than accumulating duplicates.
func (s *Store) UpsertReadings(ctx context.Context, readings []models.VegetationReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reading upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range readings {
		batch.Queue(upsertReadingSQL,
			r.BufferID, r.AcquisitionDate, r.MeanNDVI, r.MinNDVI, r.MaxNDVI,
			r.HealthCategory, r.SeasonContext, r.Satellite)
	}

	res := tx.SendBatch(ctx, batch)
	for range readings {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return 0, fmt.Errorf("upsert reading: %w", err)
		}
	}
	if err := res.Close(); err != nil {
		return 0, fmt.Errorf("upsert readings: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reading upsert: %w", err)
	}
	return len(readings), nil
}
