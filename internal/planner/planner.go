// Package planner packs manifest ranges into size and count bounded
// transfer units.
package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
)

const (
	TargetBucketSize = 63 * 1000 * 1000
	// The server multiplexes at most 1024/4 files per request.
	MaxDropsPerBucket = (1024 / 4) - 1
)

// Bucket is one transfer unit. Drops are in the order the server streams
// them.
type Bucket struct {
	DistributionID string
	Version        string
	Drops          []manifest.Drop
}

func (b Bucket) Size() int64 {
	var total int64
	for _, d := range b.Drops {
		total += d.Length
	}
	return total
}

type Options struct {
	TargetSize int64
	MaxDrops   int
}

func (o Options) withDefaults() Options {
	if o.TargetSize <= 0 {
		o.TargetSize = TargetBucketSize
	}
	if o.MaxDrops <= 0 {
		o.MaxDrops = MaxDropsPerBucket
	}
	return o
}

// Plan creates the directory tree for every manifest file beneath
// installRoot and returns the buckets. Files are visited in sorted order so
// the same manifest always yields the same plan.
func Plan(distributionID, installRoot string, m manifest.Manifest, opts Options) ([]Bucket, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := os.MkdirAll(installRoot, 0755); err != nil {
		return nil, fmt.Errorf("error creating install directory: %w", err)
	}

	var buckets []Bucket
	open := make(map[string]*Bucket)
	openSize := make(map[string]int64)

	for _, filename := range m.Files() {
		chunk := m[filename]
		drops := chunk.Drops(installRoot, filename)
		if err := os.MkdirAll(filepath.Dir(filepath.Join(installRoot, filepath.FromSlash(filename))), 0755); err != nil {
			return nil, fmt.Errorf("error creating directory for %s: %w", filename, err)
		}
		version := chunk.VersionName

		for _, drop := range drops {
			if drop.Length >= opts.TargetSize {
				buckets = append(buckets, Bucket{
					DistributionID: distributionID,
					Version:        version,
					Drops:          []manifest.Drop{drop},
				})
				continue
			}
			current, ok := open[version]
			if !ok {
				current = &Bucket{DistributionID: distributionID, Version: version}
				open[version] = current
			}
			if len(current.Drops) > 0 && (openSize[version]+drop.Length >= opts.TargetSize || len(current.Drops) >= opts.MaxDrops) {
				buckets = append(buckets, *current)
				current = &Bucket{DistributionID: distributionID, Version: version}
				open[version] = current
				openSize[version] = 0
			}
			current.Drops = append(current.Drops, drop)
			openSize[version] += drop.Length
		}
	}

	versions := make([]string, 0, len(open))
	for version := range open {
		versions = append(versions, version)
	}
	sort.Strings(versions)
	for _, version := range versions {
		if b := open[version]; len(b.Drops) > 0 {
			buckets = append(buckets, *b)
		}
	}

	log.Debug().Str("op", "planner/plan").Msgf("Planned %d buckets for %d files", len(buckets), len(m))
	return buckets, nil
}
