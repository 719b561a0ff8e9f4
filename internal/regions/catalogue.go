// Package regions holds the static region catalogue and helpers for merging
// it with regions derived from active worker locations.
package regions

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guardant/guardant/internal/model"
)

// catalogueFile is the YAML document shape of regions.yaml.
type catalogueFile struct {
	Regions []model.Region `yaml:"regions"`
}

// Catalogue is the merged set of known regions, static plus derived.
type Catalogue struct {
	static  map[string]model.Region
	derived map[string]model.Region
}

// Builtin is the fallback catalogue compiled into the binary, used when no
// regions.yaml is provided.
var Builtin = []model.Region{
	{ID: "eu-central-1", Continent: "EU", Country: "DE", City: "Frankfurt", Coordinates: model.Coordinates{Lat: 50.11, Lon: 8.68}},
	{ID: "eu-west-1", Continent: "EU", Country: "IE", City: "Dublin", Coordinates: model.Coordinates{Lat: 53.35, Lon: -6.26}},
	{ID: "us-east-1", Continent: "NA", Country: "US", City: "Ashburn", Coordinates: model.Coordinates{Lat: 39.04, Lon: -77.49}},
	{ID: "us-west-1", Continent: "NA", Country: "US", City: "San Jose", Coordinates: model.Coordinates{Lat: 37.34, Lon: -121.89}},
	{ID: "ap-southeast-1", Continent: "AS", Country: "SG", City: "Singapore", Coordinates: model.Coordinates{Lat: 1.35, Lon: 103.82}},
	{ID: "ap-northeast-1", Continent: "AS", Country: "JP", City: "Tokyo", Coordinates: model.Coordinates{Lat: 35.68, Lon: 139.69}},
	{ID: "sa-east-1", Continent: "SA", Country: "BR", City: "São Paulo", Coordinates: model.Coordinates{Lat: -23.55, Lon: -46.63}},
}

// Load reads regions.yaml from path, or falls back to the builtin catalogue
// when path is empty or missing.
func Load(path string) (*Catalogue, error) {
	c := &Catalogue{
		static:  make(map[string]model.Region),
		derived: make(map[string]model.Region),
	}
	list := Builtin
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("regions: read %s: %w", path, err)
			}
		} else {
			var file catalogueFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("regions: parse %s: %w", path, err)
			}
			if len(file.Regions) > 0 {
				list = file.Regions
			}
		}
	}
	for _, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("regions: entry with empty id")
		}
		c.static[r.ID] = r
	}
	return c, nil
}

// DeriveID builds a region id from a worker location, used for workers whose
// city/country pair is not in the static catalogue.
func DeriveID(loc model.WorkerLocation) string {
	city := strings.ToLower(strings.ReplaceAll(loc.City, " ", "-"))
	country := strings.ToLower(loc.Country)
	if city == "" {
		city = "unknown"
	}
	if country == "" {
		country = "xx"
	}
	return country + "-" + city
}

// Observe records a dynamically-derived region from an active worker.
func (c *Catalogue) Observe(loc model.WorkerLocation) model.Region {
	id := DeriveID(loc)
	if r, ok := c.static[id]; ok {
		return r
	}
	r := model.Region{
		ID:          id,
		Continent:   loc.Continent,
		Country:     loc.Country,
		City:        loc.City,
		Coordinates: loc.Coordinates,
	}
	c.derived[id] = r
	return r
}

// Get returns a region by id from either the static or derived set.
func (c *Catalogue) Get(id string) (model.Region, bool) {
	if r, ok := c.static[id]; ok {
		return r, true
	}
	r, ok := c.derived[id]
	return r, ok
}

// All returns every known region sorted by id.
func (c *Catalogue) All() []model.Region {
	out := make([]model.Region, 0, len(c.static)+len(c.derived))
	for _, r := range c.static {
		out = append(out, r)
	}
	for id, r := range c.derived {
		if _, dup := c.static[id]; !dup {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine great-circle distance between two points.
func DistanceKm(a, b model.Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Nearest sorts region ids by distance to the given point, nearest first.
// Unknown ids sort last, ordered lexicographically for determinism.
func (c *Catalogue) Nearest(point model.Coordinates, ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, oki := c.Get(out[i])
		rj, okj := c.Get(out[j])
		if oki != okj {
			return oki
		}
		if !oki {
			return out[i] < out[j]
		}
		di := DistanceKm(point, ri.Coordinates)
		dj := DistanceKm(point, rj.Coordinates)
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}
