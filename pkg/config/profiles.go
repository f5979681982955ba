package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cachecoord/pkg/ratelimit"
)

// ProfilesFile is the layout of RATE_LIMIT_PROFILES_FILE.
type ProfilesFile struct {
	Profiles map[string]ProfileDTO `yaml:"profiles"`
}

// ProfileDTO is one profile as written in YAML.
type ProfileDTO struct {
	WindowSeconds int64  `yaml:"window_seconds"`
	MaxRequests   int64  `yaml:"max_requests"`
	BlockSeconds  int64  `yaml:"block_seconds"`
	KeyStrategy   string `yaml:"key_strategy"`
}

// LoadProfiles reads and validates a profiles file.
func LoadProfiles(path string) (map[string]ratelimit.Profile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("config: read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes YAML profile definitions. Every entry must be
// complete; defaults are not merged per field.
func ParseProfiles(data []byte) (map[string]ratelimit.Profile, error) {
	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse profiles: %v", ErrInvalid, err)
	}

	out := make(map[string]ratelimit.Profile, len(file.Profiles))
	for name, dto := range file.Profiles {
		p := ratelimit.Profile{
			Name:          name,
			Window:        time.Duration(dto.WindowSeconds) * time.Second,
			MaxRequests:   dto.MaxRequests,
			BlockDuration: time.Duration(dto.BlockSeconds) * time.Second,
			Strategy:      ratelimit.Strategy(dto.KeyStrategy),
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		out[name] = p
	}
	return out, nil
}
