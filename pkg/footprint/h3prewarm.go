package footprint

import (
	"context"
	"log/slog"

	"github.com/uber/h3-go/v4"
)

// h3Resolution 9 has an edge length of roughly 175m, coarser than the
// spec's literal ~111m grid cell; it is only used here to
// find a fix's neighbor cells, never as the cache's own storage key.
const h3Resolution = 9

// PrewarmNeighbors proactively fetches and caches the footprints of the H3
// neighbor ring around (lat, lon), so a slow walk across a literal-grid cell
// boundary finds the next cell already warm instead of paying a cold fetch
// right at the moment motion needs a fresh classification. Best-effort: a
// neighbor that fails to resolve or fetch is skipped, never surfaced as an
// error to the caller (the literal grid key remains the source of truth, an
// unwarmed neighbor is corrected by the normal Fetch path on arrival).
func (c *Cache) PrewarmNeighbors(ctx context.Context, lat, lon float64) {
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, h3Resolution)
	if err != nil {
		return
	}
	ring, err := cell.GridDisk(1)
	if err != nil {
		return
	}

	for _, neighbor := range ring {
		if neighbor == cell {
			continue
		}
		center := neighbor.LatLng()
		key := cellKey(center.Lat, center.Lng)

		c.mu.Lock()
		_, warm := c.entries[key]
		_, inFlight := c.inflight[key]
		c.mu.Unlock()
		if warm || inFlight {
			continue
		}

		if _, _, err := c.Fetch(ctx, center.Lat, center.Lng); err != nil {
			slog.Debug("footprint: neighbor prewarm fetch failed", "cell", neighbor.String(), "error", err)
		}
	}
}
