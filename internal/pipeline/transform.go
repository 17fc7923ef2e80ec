package pipeline

import (
	"fmt"
	"strconv"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// LayerMap describes how a source layer's attributes become bronze columns.
type LayerMap struct {
	// Fields maps source attribute names to target column names.
	Fields map[string]string
	// IDColumn is the target column holding the external identifier.
	IDColumn string
	// IntColumns are target columns stored as integers. ArcGIS GeoJSON
	// serializes every number as a float (1.0 instead of 1), so these
	// need coercion before hitting a BIGINT column.
	IntColumns []string
}

// MapFeatures converts fetched GeoJSON features into raw rows. Features with
// a missing external identifier or missing geometry are dropped; the second
// return value is how many were dropped.
func MapFeatures(feats []*geojson.Feature, m LayerMap) ([]models.RawFeature, int) {
	intCols := make(map[string]struct{}, len(m.IntColumns))
	for _, c := range m.IntColumns {
		intCols[c] = struct{}{}
	}

	out := make([]models.RawFeature, 0, len(feats))
	dropped := 0
	for _, f := range feats {
		if f == nil || f.Geometry == nil {
			dropped++
			continue
		}
		props := make(map[string]any, len(m.Fields))
		for src, dst := range m.Fields {
			v, ok := f.Properties[src]
			if !ok || v == nil {
				continue
			}
			if _, isInt := intCols[dst]; isInt {
				if n, ok := coerceInt(v); ok {
					props[dst] = n
				}
				continue
			}
			props[dst] = v
		}

		id, ok := externalID(props[m.IDColumn])
		if !ok {
			dropped++
			continue
		}
		props[m.IDColumn] = id

		out = append(out, models.RawFeature{
			ExternalID: id,
			Props:      props,
			Geom:       f.Geometry,
		})
	}
	return out, dropped
}

func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// externalID normalizes an identifier attribute to its canonical string
// form. Numeric identifiers lose any float formatting (1234.0 -> "1234").
func externalID(v any) (string, bool) {
	switch id := v.(type) {
	case nil:
		return "", false
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case float64:
		return strconv.FormatInt(int64(id), 10), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case int:
		return strconv.Itoa(id), true
	default:
		return fmt.Sprint(id), true
	}
}
