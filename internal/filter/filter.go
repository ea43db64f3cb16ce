// Package filter narrows a candidate item list by text query, minimum
// quantity and geographic radius. Criteria are conjunctive, stateless and
// order-preserving; an unset criterion excludes nothing.
package filter

import (
	"math"
	"strings"

	"github.com/EPFLSWENT2024G1/partageix/internal/model"
)

const earthRadiusKm = 6371.0

type Point struct {
	Latitude  float64
	Longitude float64
}

// Criteria is the ephemeral search refinement. Zero values disable the
// corresponding filter; malformed values (negative quantity or radius) are
// normalized to "no filter" rather than rejected.
type Criteria struct {
	Query       string
	MinQuantity int64
	Near        *Point
	RadiusKm    float64
}

func (c Criteria) normalized() Criteria {
	if c.MinQuantity < 0 {
		c.MinQuantity = 0
	}
	if c.RadiusKm <= 0 {
		c.Near = nil
		c.RadiusKm = 0
	}
	return c
}

// Apply runs every set criterion over items and returns the survivors in
// their original relative order. The input slice is never mutated.
func Apply(items []model.Item, c Criteria) []model.Item {
	c = c.normalized()
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if !matchQuery(it, c.Query) {
			continue
		}
		if it.Quantity < c.MinQuantity {
			continue
		}
		if c.Near != nil && distanceKm(*c.Near, Point{Latitude: it.Latitude, Longitude: it.Longitude}) > c.RadiusKm {
			continue
		}
		out = append(out, it)
	}
	return out
}

func matchQuery(it model.Item, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(it.Name), q) ||
		strings.Contains(strings.ToLower(it.Category), q)
}

// distanceKm is the haversine great-circle distance between two points.
func distanceKm(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
