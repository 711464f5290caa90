package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/config"
	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
)

// DiscoverFunc enumerates the regions enabled for the account.
type DiscoverFunc func(ctx context.Context) ([]string, error)

// RegionResolver decides which regions a run polls: the explicit list when
// configured, otherwise the discovered list, otherwise the fallback list.
// Excluded regions are removed last. The result is deduplicated and sorted.
type RegionResolver struct {
	discover DiscoverFunc
	explicit []string
	fallback []string
	exclude  map[string]struct{}
	logger   zerolog.Logger
}

// NewRegionResolver builds a resolver from the aws configuration section.
func NewRegionResolver(discover DiscoverFunc, cfg config.AWSConfig, logger zerolog.Logger) *RegionResolver {
	exclude := make(map[string]struct{}, len(cfg.ExcludeRegions))
	for _, r := range cfg.ExcludeRegions {
		exclude[strings.TrimSpace(r)] = struct{}{}
	}
	return &RegionResolver{
		discover: discover,
		explicit: cfg.Regions,
		fallback: cfg.FallbackRegions,
		exclude:  exclude,
		logger:   logger.With().Str("component", "regions").Logger(),
	}
}

// Resolve implements Resolver. It returns a *ingesterr.RegionDiscoveryError
// when discovery fails and no fallback list is configured.
func (r *RegionResolver) Resolve(ctx context.Context) ([]string, error) {
	if len(r.explicit) > 0 {
		return r.finalise(r.explicit), nil
	}

	discovered, err := r.discover(ctx)
	if err != nil {
		if len(r.fallback) == 0 {
			return nil, &ingesterr.RegionDiscoveryError{Err: err}
		}
		r.logger.Warn().Err(err).Strs("fallback", r.fallback).Msg("region discovery failed; using fallback regions")
		return r.finalise(r.fallback), nil
	}
	return r.finalise(discovered), nil
}

func (r *RegionResolver) finalise(regions []string) []string {
	seen := make(map[string]struct{}, len(regions))
	out := make([]string, 0, len(regions))
	for _, region := range regions {
		region = strings.TrimSpace(region)
		if region == "" {
			continue
		}
		if _, skip := r.exclude[region]; skip {
			continue
		}
		if _, dup := seen[region]; dup {
			continue
		}
		seen[region] = struct{}{}
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}
