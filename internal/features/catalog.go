package features

import (
	"math"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// CityInfo holds the fixed per-city attributes broadcast as static features.
type CityInfo struct {
	Name               string  `yaml:"name" json:"name"`
	Lat                float64 `yaml:"lat" json:"lat"`
	Lon                float64 `yaml:"lon" json:"lon"`
	ElevationM         float64 `yaml:"elevation_m" json:"elevation_m"`
	CoastKM            float64 `yaml:"coast_km" json:"coast_km"`
	PopulationMillions float64 `yaml:"population_millions" json:"population_millions"`
	BaselinePM25       float64 `yaml:"baseline_pm25" json:"baseline_pm25"`
}

// Catalog maps normalized city names to their static attributes.
type Catalog struct {
	cities map[string]CityInfo
}

// NormalizeCity canonicalizes a city name: underscores and runs of spaces
// collapse, words are title-cased and joined with underscores, so
// "new york", "New_York" and "NEW  YORK" all map to "New_York".
func NormalizeCity(name string) string {
	fields := strings.Fields(strings.ReplaceAll(name, "_", " "))
	if len(fields) == 0 {
		return ""
	}
	// Casers are stateful; one per call keeps this safe for concurrent use.
	titler := cases.Title(language.Und)
	for i, f := range fields {
		fields[i] = titler.String(strings.ToLower(f))
	}
	return strings.Join(fields, "_")
}

// NewCatalog builds a catalog from the given entries.
func NewCatalog(cities []CityInfo) *Catalog {
	c := &Catalog{cities: make(map[string]CityInfo, len(cities))}
	for _, ci := range cities {
		key := NormalizeCity(ci.Name)
		ci.Name = key
		c.cities[key] = ci
	}
	return c
}

// DefaultCatalog returns the built-in catalog of training cities.
func DefaultCatalog() *Catalog {
	return NewCatalog([]CityInfo{
		{Name: "Beijing", Lat: 39.90, Lon: 116.40, ElevationM: 43.5, CoastKM: 150, PopulationMillions: 21.5, BaselinePM25: 42},
		{Name: "Shanghai", Lat: 31.23, Lon: 121.47, ElevationM: 4.5, CoastKM: 30, PopulationMillions: 24.3, BaselinePM25: 32},
		{Name: "Guangzhou", Lat: 23.13, Lon: 113.26, ElevationM: 21.0, CoastKM: 90, PopulationMillions: 15.3, BaselinePM25: 28},
		{Name: "Shenzhen", Lat: 22.54, Lon: 114.06, ElevationM: 0.0, CoastKM: 5, PopulationMillions: 12.5, BaselinePM25: 22},
		{Name: "Chengdu", Lat: 30.67, Lon: 104.07, ElevationM: 500.0, CoastKM: 1300, PopulationMillions: 16.6, BaselinePM25: 45},
		{Name: "Xi'an", Lat: 34.34, Lon: 108.94, ElevationM: 397.0, CoastKM: 900, PopulationMillions: 12.9, BaselinePM25: 52},
		{Name: "New_York", Lat: 40.71, Lon: -74.01, ElevationM: 10.0, CoastKM: 0, PopulationMillions: 8.3, BaselinePM25: 8},
		{Name: "Los_Angeles", Lat: 34.05, Lon: -118.24, ElevationM: 89.0, CoastKM: 20, PopulationMillions: 3.9, BaselinePM25: 12},
		{Name: "Chicago", Lat: 41.88, Lon: -87.63, ElevationM: 181.0, CoastKM: 1100, PopulationMillions: 2.7, BaselinePM25: 10},
		{Name: "Houston", Lat: 29.76, Lon: -95.37, ElevationM: 13.0, CoastKM: 70, PopulationMillions: 2.3, BaselinePM25: 10},
	})
}

// LoadCatalog reads a YAML list of CityInfo entries.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "features: read city catalog %s", path)
	}
	var cities []CityInfo
	if err := yaml.Unmarshal(data, &cities); err != nil {
		return nil, eris.Wrapf(err, "features: parse city catalog %s", path)
	}
	return NewCatalog(cities), nil
}

// Lookup returns the attributes of city, if known.
func (c *Catalog) Lookup(city string) (CityInfo, bool) {
	if c == nil {
		return CityInfo{}, false
	}
	ci, ok := c.cities[NormalizeCity(city)]
	return ci, ok
}

// Names returns the catalog's normalized city names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.cities))
	for n := range c.cities {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// staticColumns lists the static feature names in manifest order.
var staticColumns = []string{
	"city_lat",
	"city_lon",
	"city_elevation_m",
	"city_coast_km",
	"city_population_log",
	"city_baseline_pm25",
}

// staticValues returns the static feature vector for city, or sentinels
// for a city the catalog does not know.
func (c *Catalog) staticValues(city string, sentinel float64) []float64 {
	ci, ok := c.Lookup(city)
	if !ok {
		out := make([]float64, len(staticColumns))
		for i := range out {
			out[i] = sentinel
		}
		return out
	}
	popLog := sentinel
	if ci.PopulationMillions > 0 {
		popLog = math.Log(ci.PopulationMillions * 1e6)
	}
	return []float64{ci.Lat, ci.Lon, ci.ElevationM, ci.CoastKM, popLog, ci.BaselinePM25}
}
