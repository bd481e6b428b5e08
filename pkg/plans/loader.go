package plans

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	Type     string           `yaml:"type"`
	Limits   map[string]int64 `yaml:"limits"`
	Features map[string]bool  `yaml:"features"`
}

// Parse decodes a YAML catalog and validates it. Unknown document fields,
// limit keys or feature keys are rejected.
//
//	plans:
//	  - type: free
//	    limits: {max_invoices: 50, max_team_members: 1, max_api_calls: -1}
//	    features: {has_analytics: false}
func Parse(data []byte) (*StaticCatalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan catalog is empty")
		}
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}

	entitlements := make([]Entitlements, 0, len(file.Plans))
	for i, p := range file.Plans {
		if p.Type == "" {
			return nil, fmt.Errorf("plan #%d: type is required", i)
		}
		e := Entitlements{
			Plan:     PlanType(p.Type),
			Limits:   make(map[LimitKey]int64, len(p.Limits)),
			Features: make(map[Feature]bool, len(p.Features)),
		}
		for name, v := range p.Limits {
			k, err := ParseLimitKey(name)
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", p.Type, err)
			}
			e.Limits[k] = v
		}
		for name, on := range p.Features {
			f, err := ParseFeature(name)
			if err != nil {
				return nil, fmt.Errorf("plan %s: %w", p.Type, err)
			}
			e.Features[f] = on
		}
		entitlements = append(entitlements, e)
	}

	return NewStaticCatalog(entitlements)
}

// LoadFile reads and parses a YAML catalog from disk
func LoadFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog %s: %w", path, err)
	}
	return Parse(data)
}
