package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// DateRange is a closed acquisition-date interval.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// String renders the range in STAC datetime interval form.
func (r DateRange) String() string {
	return r.Start.Format("2006-01-02") + "/" + r.End.Format("2006-01-02")
}

// Asset is a downloadable band or sidecar file of a scene.
type Asset struct {
	Href string `json:"href"`
}

// Scene is one catalog item matching a search.
type Scene struct {
	ID         string
	AcquiredAt time.Time
	CloudCover float64
	BBox       []float64
	Assets     map[string]Asset
}

// Client searches a STAC catalog for scenes over a bounding box.
type Client struct {
	http       *http.Client
	baseURL    string
	collection string
}

// NewClient builds a catalog client for one collection.
func NewClient(baseURL, collection string, timeout time.Duration) *Client {
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		collection: collection,
	}
}

const searchPageSize = 100

type pageLink struct {
	Rel  string          `json:"rel"`
	Href string          `json:"href"`
	Body json.RawMessage `json:"body"`
}

type searchResponse struct {
	Features []struct {
		ID         string    `json:"id"`
		BBox       []float64 `json:"bbox"`
		Properties struct {
			Datetime   time.Time `json:"datetime"`
			CloudCover float64   `json:"eo:cloud_cover"`
		} `json:"properties"`
		Assets map[string]Asset `json:"assets"`
	} `json:"features"`
	Links []pageLink `json:"links"`
}

// Search returns all scenes intersecting bbox within the date range whose
// cloud cover is below maxCloudCover percent. Pagination follows the
// catalog's next links.
func (c *Client) Search(ctx context.Context, bbox models.Envelope, dates DateRange, maxCloudCover int) ([]Scene, error) {
	body := map[string]any{
		"collections": []string{c.collection},
		"bbox":        []float64{bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY},
		"datetime":    dates.String(),
		"query":       map[string]any{"eo:cloud_cover": map[string]any{"lt": maxCloudCover}},
		"limit":       searchPageSize,
	}

	searchURL := c.baseURL + "/search"
	var scenes []Scene
	for {
		page, err := c.post(ctx, searchURL, body)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Features {
			scenes = append(scenes, Scene{
				ID:         f.ID,
				AcquiredAt: f.Properties.Datetime,
				CloudCover: f.Properties.CloudCover,
				BBox:       f.BBox,
				Assets:     f.Assets,
			})
		}

		next := nextLink(page)
		if next == nil {
			break
		}
		searchURL = next.Href
		if len(next.Body) > 0 {
			// The catalog hands back the merged body for the next page
			// (Planetary Computer style token pagination).
			var merged map[string]any
			if err := json.Unmarshal(next.Body, &merged); err != nil {
				return nil, fmt.Errorf("decode next-page body: %w", err)
			}
			for k, v := range merged {
				body[k] = v
			}
		}
	}
	return scenes, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search imagery catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s from catalog", resp.Status)
	}

	var page searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}
	return &page, nil
}

func nextLink(page *searchResponse) *pageLink {
	for i := range page.Links {
		if page.Links[i].Rel == "next" && page.Links[i].Href != "" {
			return &page.Links[i]
		}
	}
	return nil
}
