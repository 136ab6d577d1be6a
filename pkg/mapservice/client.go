// Package mapservice is the outbound HTTP client for the external
// building-footprint map service: the one collaborator spec.md places out
// of scope but that pkg/footprint.Fetcher still needs a concrete
// implementation of. Retry/backoff and the 25 s request budget live in
// pkg/footprint.Cache, which wraps this client in a single-attempt
// footprint.Fetcher; this package stays a thin request/decode layer, in
// the spirit of the teacher's pkg/request.Client without its per-provider
// queuing (there is exactly one provider here).
package mapservice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"contextengine/pkg/model"
	"contextengine/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("contextengine/%s (+building-footprint client)", version.Version)

// Client fetches building footprints from a GeoJSON-speaking HTTP endpoint.
// Satisfies pkg/footprint.Fetcher.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New constructs a Client against baseURL, an endpoint that accepts
// ?lat=&lon=&radius_m= query parameters and responds with a GeoJSON
// FeatureCollection of polygon/multipolygon features. apiKey may be empty.
func New(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second}, // ceiling; the cache's own 25s context deadline governs in practice
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// FetchFootprints implements pkg/footprint.Fetcher. One attempt, no
// internal retry: the caller (pkg/footprint.Cache) owns backoff policy.
func (c *Client) FetchFootprints(ctx context.Context, lat, lon, radiusM float64) ([]model.Footprint, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("mapservice: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("radius_m", strconv.FormatFloat(radiusM, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("mapservice: building request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/geo+json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("mapservice: fetching footprints", "lat", lat, "lon", lon, "radius_m", radiusM)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mapservice: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode < 600) {
		return nil, fmt.Errorf("mapservice: retryable status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mapservice: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mapservice: reading body: %w", err)
	}

	return decodeFeatureCollection(body)
}

func decodeFeatureCollection(body []byte) ([]model.Footprint, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("mapservice: decoding geojson: %w", err)
	}

	footprints := make([]model.Footprint, 0, len(fc.Features))
	for _, f := range fc.Features {
		fp, ok := featureToFootprint(f)
		if !ok {
			continue
		}
		footprints = append(footprints, fp)
	}
	return footprints, nil
}

func featureToFootprint(f *geojson.Feature) (model.Footprint, bool) {
	var ring []model.Coord

	switch g := f.Geometry.(type) {
	case orb.Polygon:
		ring = ringToCoords(outerRing(g))
	case orb.MultiPolygon:
		// A building split across a multipolygon in the upstream data is
		// represented here by its first (outer) polygon only; spec.md's
		// Footprint is a single closed ring per building.
		if len(g) == 0 {
			return model.Footprint{}, false
		}
		ring = ringToCoords(outerRing(g[0]))
	default:
		return model.Footprint{}, false
	}
	if len(ring) < 3 {
		return model.Footprint{}, false
	}

	id := f.ID
	if id == "" {
		if v, ok := f.Properties["id"].(string); ok {
			id = v
		}
	}

	tags := make(map[string]string, len(f.Properties))
	for k, v := range f.Properties {
		if s, ok := v.(string); ok {
			tags[k] = s
		}
	}

	return model.Footprint{ID: fmt.Sprint(id), Ring: ring, Tags: tags}, true
}

// outerRing returns a polygon's exterior ring, ignoring holes: building
// interiors (courtyards, atria) don't affect point-in-footprint occupancy
// at the resolution this engine cares about.
func outerRing(p orb.Polygon) orb.Ring {
	if len(p) == 0 {
		return nil
	}
	return p[0]
}

func ringToCoords(r orb.Ring) []model.Coord {
	out := make([]model.Coord, 0, len(r))
	for _, pt := range r {
		out = append(out, model.Coord{Lat: pt[1], Lon: pt[0]})
	}
	return out
}
