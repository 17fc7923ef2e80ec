package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

func gjFeature(props map[string]any) *geojson.Feature {
	return &geojson.Feature{
		Geometry:   geom.NewPointFlat(geom.XY, []float64{-108.0, 37.0}),
		Properties: props,
	}
}

func TestMapFeaturesStreams(t *testing.T) {
	feats := []*geojson.Feature{
		gjFeature(map[string]any{
			// ArcGIS GeoJSON serializes integers as floats.
			"COMID":      1234.0,
			"GNIS_NAME":  "Animas River",
			"FCODE":      46006.0,
			"StreamOrde": 5.0,
			"LENGTHKM":   1.8,
		}),
	}

	rows, dropped := MapFeatures(feats, streamsMap())
	require.Len(t, rows, 1)
	assert.Zero(t, dropped)

	r := rows[0]
	assert.Equal(t, "1234", r.ExternalID)
	assert.Equal(t, "Animas River", r.Props["gnis_name"])
	assert.Equal(t, int64(46006), r.Props["fcode"])
	assert.Equal(t, int64(5), r.Props["stream_order"])
	assert.Equal(t, 1.8, r.Props["length_km"])
	assert.NotNil(t, r.Geom)
}

func TestMapFeaturesDropsMissingID(t *testing.T) {
	feats := []*geojson.Feature{
		gjFeature(map[string]any{"parcel_id": "P-1", "owner": "a"}),
		gjFeature(map[string]any{"owner": "no id"}),
		gjFeature(map[string]any{"parcel_id": nil, "owner": "nil id"}),
	}

	rows, dropped := MapFeatures(feats, parcelsMap())
	require.Len(t, rows, 1)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, "P-1", rows[0].ExternalID)
}

func TestMapFeaturesDropsMissingGeometry(t *testing.T) {
	feats := []*geojson.Feature{
		{Properties: map[string]any{"parcel_id": "P-1"}},
		nil,
	}

	rows, dropped := MapFeatures(feats, parcelsMap())
	assert.Empty(t, rows)
	assert.Equal(t, 2, dropped)
}

func TestMapFeaturesRenamesSinkAttributes(t *testing.T) {
	feats := []*geojson.Feature{
		gjFeature(map[string]any{
			"SINKID":   991.0,
			"PURPDESC": "Closed basin",
			"PURPCODE": "CB",
			"GridCode": 3.0,
		}),
	}

	rows, dropped := MapFeatures(feats, sinksMap())
	require.Len(t, rows, 1)
	assert.Zero(t, dropped)
	assert.Equal(t, "991", rows[0].ExternalID)
	assert.Equal(t, "Closed basin", rows[0].Props["gnis_name"])
	assert.Equal(t, "CB", rows[0].Props["ftype"])
	assert.Equal(t, int64(3), rows[0].Props["fcode"])
}

func TestMapFeaturesIgnoresUnmappedAttributes(t *testing.T) {
	feats := []*geojson.Feature{
		gjFeature(map[string]any{"parcel_id": "P-9", "Shape__Area": 12.0}),
	}

	rows, _ := MapFeatures(feats, parcelsMap())
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].Props, "Shape__Area")
}
