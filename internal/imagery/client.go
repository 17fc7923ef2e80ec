package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Client talks to the raster processing service, which clips cloud-optimized
// GeoTIFF bands to a geometry and returns the covered pixel values. The
// clipping itself (windowed reads, polygon masking) happens service-side;
// this client only carries the contract.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds a raster service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type clipRequest struct {
	URL      string          `json:"url"`
	Geometry json.RawMessage `json:"geometry"`
}

type clipResponse struct {
	Values []float64 `json:"values"`
}

// ClipBand returns the pixel values of one raster band restricted to the
// given geometry (EPSG:4269 lon/lat).
func (c *Client) ClipBand(ctx context.Context, href string, g geom.T) ([]float64, error) {
	gj, err := geojson.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode clip geometry: %w", err)
	}
	payload, err := json.Marshal(clipRequest{URL: href, Geometry: gj})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/clip", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clip band %s: %w", href, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s clipping %s", resp.Status, href)
	}

	var out clipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode clip response: %w", err)
	}
	return out.Values, nil
}
