package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/twpayne/go-geom"
)

// RawFeature is one normalized feature fetched from an external source,
// keyed by a stable external identifier and carrying target-column values.
type RawFeature struct {
	ExternalID string
	Props      map[string]any
	Geom       geom.T
}

// LayerSpec describes how one raw entity class maps onto its bronze table.
type LayerSpec struct {
	Name           string
	Schema         string
	ConflictColumn string
	// Columns lists the non-geometry attribute columns in insert order.
	// The geometry column is always "geom".
	Columns       []string
	UpdateColumns []string
}

// LayerChange reports the outcome of merging one raw entity class.
type LayerChange struct {
	Layer    string
	Inserted int
	Updated  int
	Skipped  int
}

// HasChanges reports whether the merge altered any row.
func (c LayerChange) HasChanges() bool {
	return c.Inserted > 0 || c.Updated > 0
}

// Add combines counts from another merge of the same logical class.
func (c LayerChange) Add(other LayerChange) LayerChange {
	return LayerChange{
		Layer:    c.Layer,
		Inserted: c.Inserted + other.Inserted,
		Updated:  c.Updated + other.Updated,
		Skipped:  c.Skipped + other.Skipped,
	}
}

// Health categories for vegetation readings. The set is closed: readings
// acquired outside the growing season are always dormant.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthBare     = "bare"
	HealthDormant  = "dormant"
)

// Season context tags.
const (
	SeasonPeakGrowing = "peak_growing"
	SeasonDormant     = "dormant"
)

// VegetationReading is one NDVI observation for a buffer on a given
// acquisition date. Unique per (buffer, acquisition date, satellite).
type VegetationReading struct {
	BufferID        int64
	AcquisitionDate time.Time
	MeanNDVI        float64
	MinNDVI         float64
	MaxNDVI         float64
	HealthCategory  string
	SeasonContext   string
	Satellite       string
}

// ReadingKey identifies an already-persisted vegetation reading.
type ReadingKey struct {
	BufferID  int64
	Date      string
	Satellite string
}

// BufferGeom is a derived buffer polygon loaded for vegetation scoring.
type BufferGeom struct {
	ID   int64
	Geom geom.T
}

// Envelope is a lon/lat bounding box used as a spatial fetch filter.
type Envelope struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Run statuses. A run is created running and makes exactly one terminal
// transition to completed or failed.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunSummary carries the aggregate counts and change flags reported when a
// run completes.
type RunSummary struct {
	RecordsInserted int
	RecordsUpdated  int
	RecordsSkipped  int
	StreamsChanged  bool
	ParcelsChanged  bool
	BuffersChanged  bool
}

// RunRecord is the durable lifecycle record of one pipeline invocation.
type RunRecord struct {
	ID              uuid.UUID  `json:"id"`
	RunType         string     `json:"run_type"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
	RecordsInserted int        `json:"records_inserted"`
	RecordsUpdated  int        `json:"records_updated"`
	RecordsSkipped  int        `json:"records_skipped"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StreamsChanged  bool       `json:"streams_changed"`
	ParcelsChanged  bool       `json:"parcels_changed"`
	BuffersChanged  bool       `json:"buffers_changed"`
}
