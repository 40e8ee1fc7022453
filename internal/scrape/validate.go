package scrape

import (
	"fmt"
	"strings"
)

// Range bounds one session config knob.
type Range struct {
	Min, Max, Default int
}

// Config ranges enforced when a session is created.
var (
	TownsRange      = Range{Min: 1, Max: 10, Default: 1}
	IndustriesRange = Range{Min: 1, Max: 10, Default: 3}
	LookupsRange    = Range{Min: 1, Max: 20, Default: 5}
	RetryRange      = Range{Min: 1, Max: 10, Default: 3}
	RetryDelayRange = Range{Min: 0, Max: 30000, Default: 1000}
)

// DefaultConfig returns the config applied when a request omits every knob.
func DefaultConfig() Config {
	return Config{
		SimultaneousTowns:      TownsRange.Default,
		SimultaneousIndustries: IndustriesRange.Default,
		SimultaneousLookups:    LookupsRange.Default,
		RetryAttempts:          RetryRange.Default,
		RetryDelayMs:           RetryDelayRange.Default,
	}
}

// NormalizeRequest trims inputs, drops duplicate industries and range checks
// every config knob. Callers that want defaults start from DefaultConfig.
func NormalizeRequest(towns, industries []string, cfg Config) ([]string, []string, Config, error) {
	fields := make(map[string]string)

	cleanTowns := make([]string, 0, len(towns))
	for i, town := range towns {
		town = strings.TrimSpace(town)
		if town == "" {
			fields[fmt.Sprintf("towns[%d]", i)] = "must not be blank"
			continue
		}
		cleanTowns = append(cleanTowns, town)
	}
	if len(towns) == 0 {
		fields["towns"] = "at least one town is required"
	}

	seen := make(map[string]struct{}, len(industries))
	cleanIndustries := make([]string, 0, len(industries))
	for _, industry := range industries {
		industry = strings.TrimSpace(industry)
		if industry == "" {
			continue
		}
		key := strings.ToLower(industry)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cleanIndustries = append(cleanIndustries, industry)
	}
	if len(cleanIndustries) == 0 {
		fields["industries"] = "at least one industry is required"
	}

	check(fields, "config.simultaneousTowns", cfg.SimultaneousTowns, TownsRange)
	check(fields, "config.simultaneousIndustries", cfg.SimultaneousIndustries, IndustriesRange)
	check(fields, "config.simultaneousLookups", cfg.SimultaneousLookups, LookupsRange)
	check(fields, "config.retryAttempts", cfg.RetryAttempts, RetryRange)
	check(fields, "config.retryDelayMs", cfg.RetryDelayMs, RetryDelayRange)

	if len(fields) > 0 {
		return nil, nil, Config{}, &ValidationError{Fields: fields}
	}
	return cleanTowns, cleanIndustries, cfg, nil
}

func check(fields map[string]string, name string, v int, r Range) {
	if v < r.Min || v > r.Max {
		fields[name] = fmt.Sprintf("must be between %d and %d", r.Min, r.Max)
	}
}
