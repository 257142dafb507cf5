// Package manifest describes how the files of a distribution are split into
// independently checksummed byte ranges.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Chunk is one manifest entry: the byte ranges composing one file for one
// version.
type Chunk struct {
	Permissions uint32   `json:"permissions"`
	IDs         []string `json:"ids,omitempty"`
	Checksums   []string `json:"checksums"`
	Lengths     []int64  `json:"lengths"`
	VersionName string   `json:"versionName"`
}

// Manifest maps a relative file path to its chunk metadata.
type Manifest map[string]Chunk

// Drop is one byte range of one file.
type Drop struct {
	Filename    string
	Path        string
	Index       int
	Start       int64
	Length      int64
	Checksum    string
	Permissions uint32
}

func (c Chunk) Size() int64 {
	var total int64
	for _, l := range c.Lengths {
		total += l
	}
	return total
}

// Drops derives the ranges of the chunk stored at filename beneath
// installRoot. Start offsets are the running sum of preceding lengths.
func (c Chunk) Drops(installRoot, filename string) []Drop {
	destination := filepath.Join(installRoot, filepath.FromSlash(filename))
	drops := make([]Drop, 0, len(c.Lengths))
	var offset int64
	for index, length := range c.Lengths {
		drops = append(drops, Drop{
			Filename:    filename,
			Path:        destination,
			Index:       index,
			Start:       offset,
			Length:      length,
			Checksum:    c.Checksums[index],
			Permissions: c.Permissions,
		})
		offset += length
	}
	return drops
}

// Files returns the manifest paths in sorted order.
func (m Manifest) Files() []string {
	files := make([]string, 0, len(m))
	for name := range m {
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

func (m Manifest) Size() int64 {
	var total int64
	for _, chunk := range m {
		total += chunk.Size()
	}
	return total
}

func (m Manifest) Versions() []string {
	seen := make(map[string]struct{})
	var versions []string
	for _, name := range m.Files() {
		v := m[name].VersionName
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		versions = append(versions, v)
	}
	return versions
}

// Validate checks every entry for consistent range metadata and for paths
// that stay beneath the install root.
func (m Manifest) Validate() error {
	for _, name := range m.Files() {
		chunk := m[name]
		if err := validPath(name); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidManifest, name, err)
		}
		if len(chunk.Lengths) != len(chunk.Checksums) {
			return fmt.Errorf("%w: %s: %d lengths but %d checksums", ErrInvalidManifest, name, len(chunk.Lengths), len(chunk.Checksums))
		}
		for i, l := range chunk.Lengths {
			if l < 0 {
				return fmt.Errorf("%w: %s: negative length at range %d", ErrInvalidManifest, name, i)
			}
		}
	}
	return nil
}

func validPath(name string) error {
	if name == "" {
		return errors.New("empty path")
	}
	clean := path.Clean(filepath.ToSlash(name))
	if path.IsAbs(clean) || filepath.IsAbs(name) {
		return errors.New("absolute path")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.New("path escapes install root")
	}
	return nil
}
