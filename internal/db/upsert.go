package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// dedupeFeatures drops intra-batch duplicate external identifiers.
// Last-seen wins: ambiguous upstream sources can return the same feature
// twice in one page set, and the later occurrence is the fresher one.
// Returns the surviving features in first-seen order and the number dropped.
func dedupeFeatures(feats []models.RawFeature) ([]models.RawFeature, int) {
	index := make(map[string]int, len(feats))
	out := make([]models.RawFeature, 0, len(feats))
	skipped := 0
	for _, f := range feats {
		if i, seen := index[f.ExternalID]; seen {
			out[i] = f
			skipped++
			continue
		}
		index[f.ExternalID] = len(out)
		out = append(out, f)
	}
	return out, skipped
}

// existingIDs returns which of the given external identifiers already have
// a row in the target table. This explicit previously-existed pre-check is
// what discriminates inserts from updates, instead of inspecting any
// engine-internal row-versioning column.
func existingIDs(ctx context.Context, tx pgx.Tx, spec models.LayerSpec, ids []string) (map[string]struct{}, error) {
	q := fmt.Sprintf(`SELECT %s::text FROM %s.%s WHERE %s::text = ANY($1)`,
		spec.ConflictColumn, spec.Schema, spec.Name, spec.ConflictColumn)

	rows, err := tx.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

func upsertSQL(spec models.LayerSpec) string {
	cols := append(append([]string{}, spec.Columns...), "geom", "imported_at")
	placeholders := make([]string, 0, len(cols))
	for i := range spec.Columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	placeholders = append(placeholders,
		fmt.Sprintf("ST_GeomFromEWKT($%d)", len(spec.Columns)+1), "now()")

	sets := make([]string, 0, len(spec.UpdateColumns)+1)
	for _, col := range spec.UpdateColumns {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	sets = append(sets, "imported_at = now()")

	return fmt.Sprintf(
		`INSERT INTO %s.%s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		spec.Schema, spec.Name,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		spec.ConflictColumn,
		strings.Join(sets, ", "),
	)
}

func insertSQL(spec models.LayerSpec) string {
	sql := upsertSQL(spec)
	return sql[:strings.Index(sql, " ON CONFLICT")]
}

func featureArgs(spec models.LayerSpec, f models.RawFeature) ([]any, error) {
	args := make([]any, 0, len(spec.Columns)+1)
	for _, col := range spec.Columns {
		args = append(args, f.Props[col])
	}
	ewkt, err := ewktValue(f.Geom)
	if err != nil {
		return nil, err
	}
	return append(args, ewkt), nil
}

// UpsertLayer merges fetched features into one bronze table as a single
// transaction: a new external identifier inserts, an existing one has its
// attributes and geometry replaced. A mid-merge failure rolls the whole
// class back.
func (s *Store) UpsertLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (models.LayerChange, error) {
	change := models.LayerChange{Layer: spec.Name}
	if len(feats) == 0 {
		return change, nil
	}

	deduped, skipped := dedupeFeatures(feats)
	change.Skipped = skipped

	ids := make([]string, 0, len(deduped))
	for _, f := range deduped {
		ids = append(ids, f.ExternalID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return change, fmt.Errorf("begin merge of %s: %w", spec.Name, err)
	}
	defer tx.Rollback(ctx)

	existing, err := existingIDs(ctx, tx, spec, ids)
	if err != nil {
		return change, fmt.Errorf("pre-check %s identifiers: %w", spec.Name, err)
	}

	batch := &pgx.Batch{}
	sql := upsertSQL(spec)
	for _, f := range deduped {
		args, err := featureArgs(spec, f)
		if err != nil {
			return change, fmt.Errorf("prepare %s row %s: %w", spec.Name, f.ExternalID, err)
		}
		batch.Queue(sql, args...)
	}

	res := tx.SendBatch(ctx, batch)
	for range deduped {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return change, fmt.Errorf("merge %s: %w", spec.Name, err)
		}
	}
	if err := res.Close(); err != nil {
		return change, fmt.Errorf("merge %s: %w", spec.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return change, fmt.Errorf("commit %s merge: %w", spec.Name, err)
	}

	for _, f := range deduped {
		if _, ok := existing[f.ExternalID]; ok {
			change.Updated++
		} else {
			change.Inserted++
		}
	}
	s.log.Info("merged layer", "layer", spec.Name,
		"inserted", change.Inserted, "updated", change.Updated, "skipped", change.Skipped)
	return change, nil
}

// ReplaceLayer fully reloads one bronze table: delete everything (cascading
// to derived descendants) and insert the fetched features, all in one
// transaction.
func (s *Store) ReplaceLayer(ctx context.Context, spec models.LayerSpec, feats []models.RawFeature) (int, error) {
	deduped, _ := dedupeFeatures(feats)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reload of %s: %w", spec.Name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s.%s", spec.Schema, spec.Name)); err != nil {
		return 0, fmt.Errorf("clear %s: %w", spec.Name, err)
	}

	batch := &pgx.Batch{}
	sql := insertSQL(spec)
	for _, f := range deduped {
		args, err := featureArgs(spec, f)
		if err != nil {
			return 0, fmt.Errorf("prepare %s row %s: %w", spec.Name, f.ExternalID, err)
		}
		batch.Queue(sql, args...)
	}

	res := tx.SendBatch(ctx, batch)
	for range deduped {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return 0, fmt.Errorf("reload %s: %w", spec.Name, err)
		}
	}
	if err := res.Close(); err != nil {
		return 0, fmt.Errorf("reload %s: %w", spec.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s reload: %w", spec.Name, err)
	}
	s.log.Info("reloaded layer", "layer", spec.Name, "rows", len(deduped))
	return len(deduped), nil
}
