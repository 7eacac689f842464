package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/nlweather/edr-ingest/internal/domain"
)

// stationEntry is the on-disk shape of one station registry record.
type stationEntry struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Registry is the read-only station registry: mnemonic key to station
// metadata, plus named groups resolving to ordered lists of keys.
type Registry struct {
	stations map[string]domain.Station
	groups   map[string][]string
}

// LoadRegistry reads the station registry JSON file at path: a flat
// mapping of mnemonic key to either a station object ({id, name, lat,
// lon}) or a named group (an array of keys).
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read station registry: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse station registry: %w", err)
	}

	r := &Registry{stations: make(map[string]domain.Station), groups: make(map[string][]string)}
	for key, value := range raw {
		var group []string
		if err := json.Unmarshal(value, &group); err == nil {
			r.groups[key] = group
			continue
		}
		var entry stationEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil, fmt.Errorf("config: station registry entry %q is neither a station nor a group: %w", key, err)
		}
		r.stations[key] = domain.Station{Key: key, ID: entry.ID, Name: entry.Name, Lat: entry.Lat, Lon: entry.Lon}
	}
	return r, nil
}

// Station looks up one station by its mnemonic key.
func (r *Registry) Station(key string) (domain.Station, error) {
	s, ok := r.stations[key]
	if !ok {
		return domain.Station{}, fmt.Errorf("config: unknown station key %q", key)
	}
	return s, nil
}

// Resolve expands a selector — a single key, a comma-separated list of
// keys, or a named group — into an ordered, de-duplicated slice of
// stations. Keys are resolved in the order given; a group expands to its
// own declared order.
func (r *Registry) Resolve(selector string) ([]domain.Station, error) {
	if group, ok := r.groups[selector]; ok {
		return r.resolveKeys(group)
	}
	return r.resolveKeys(splitSelector(selector))
}

func (r *Registry) resolveKeys(keys []string) ([]domain.Station, error) {
	seen := make(map[string]bool, len(keys))
	stations := make([]domain.Station, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		s, err := r.Station(key)
		if err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, nil
}

func splitSelector(selector string) []string {
	var keys []string
	start := 0
	for i := 0; i <= len(selector); i++ {
		if i == len(selector) || selector[i] == ',' {
			if seg := selector[start:i]; seg != "" {
				keys = append(keys, seg)
			}
			start = i + 1
		}
	}
	return keys
}

// Keys returns every registered station key in sorted order, primarily
// for diagnostics and tests.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.stations))
	for k := range r.stations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
