package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// Client fetches geospatial features from ArcGIS REST endpoints.
type Client struct {
	http *http.Client
}

// NewClient builds a feature client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Query describes one feature request against a layer endpoint.
type Query struct {
	// URL is the full layer URL including the layer index.
	URL       string
	Where     string
	OutFields string
	Envelope  *models.Envelope
	Offset    int
	Count     int
}

// Fetch retrieves one page of features as GeoJSON.
func (c *Client) Fetch(ctx context.Context, q Query) ([]*geojson.Feature, error) {
	params := buildParams(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.URL+"/query?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request feature layer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, q.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feature payload: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("decode feature payload: %w", err)
	}
	return fc.Features, nil
}

// FetchAll pages through a layer until the API returns a short batch.
// The ArcGIS REST API caps responses at maxRecordCount (typically 2000),
// so a full layer load needs resultOffset pagination.
func (c *Client) FetchAll(ctx context.Context, q Query, batchSize int) ([]*geojson.Feature, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	q.Count = batchSize

	var all []*geojson.Feature
	for offset := 0; ; offset += batchSize {
		q.Offset = offset
		batch, err := c.Fetch(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < batchSize {
			break
		}
	}
	return all, nil
}

func buildParams(q Query) url.Values {
	where := q.Where
	if where == "" {
		where = "1=1"
	}
	outFields := q.OutFields
	if outFields == "" {
		outFields = "*"
	}

	params := url.Values{}
	params.Set("where", where)
	params.Set("outFields", outFields)
	params.Set("outSR", "4269")
	params.Set("f", "geojson")

	if q.Envelope != nil {
		params.Set("geometry", fmt.Sprintf("%g,%g,%g,%g",
			q.Envelope.MinX, q.Envelope.MinY, q.Envelope.MaxX, q.Envelope.MaxY))
		params.Set("geometryType", "esriGeometryEnvelope")
		params.Set("spatialRel", "esriSpatialRelIntersects")
		params.Set("inSR", "4269")
	}
	if q.Offset > 0 {
		params.Set("resultOffset", strconv.Itoa(q.Offset))
	}
	if q.Count > 0 {
		params.Set("resultRecordCount", strconv.Itoa(q.Count))
	}
	return params
}
