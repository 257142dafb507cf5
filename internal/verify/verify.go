// Package verify re-hashes installed files against their manifest.
package verify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
)

var ErrVerificationFailed = errors.New("verification failed")

// Problem describes one drop that did not verify.
type Problem struct {
	Filename string
	Index    int
	Expected string
	Got      string
	Err      error
}

func (p Problem) String() string {
	if p.Err != nil {
		return fmt.Sprintf("%s [%d]: %v", p.Filename, p.Index, p.Err)
	}
	return fmt.Sprintf("%s [%d]: expected %s, got %s", p.Filename, p.Index, p.Expected, p.Got)
}

type Report struct {
	Files    int
	Drops    int
	Bytes    int64
	Problems []Problem
}

func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Err returns ErrVerificationFailed wrapped with the problem count, or nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %d of %d ranges", ErrVerificationFailed, len(r.Problems), r.Drops)
}

// Run checks every drop of every file with up to workers files hashed at
// once. Problems are sorted by file and drop index.
func Run(ctx context.Context, installRoot string, m manifest.Manifest, workers int) (*Report, error) {
	if workers <= 0 {
		workers = 1
	}
	files := m.Files()
	report := &Report{Files: len(files)}

	jobs := make(chan string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range min(workers, max(len(files), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filename := range jobs {
				drops := m[filename].Drops(installRoot, filename)
				problems, bytes := checkFile(ctx, drops)
				mu.Lock()
				report.Drops += len(drops)
				report.Bytes += bytes
				report.Problems = append(report.Problems, problems...)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, filename := range files {
		select {
		case jobs <- filename:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	sort.Slice(report.Problems, func(i, j int) bool {
		a, b := report.Problems[i], report.Problems[j]
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.Index < b.Index
	})
	for _, p := range report.Problems {
		log.Warn().Str("op", "verify/run").Msg(p.String())
	}
	return report, nil
}

// checkFile hashes the drops of one file in order.
func checkFile(ctx context.Context, drops []manifest.Drop) ([]Problem, int64) {
	if len(drops) == 0 {
		return nil, 0
	}
	var problems []Problem
	f, err := os.Open(drops[0].Path)
	if err != nil {
		for _, d := range drops {
			problems = append(problems, Problem{Filename: d.Filename, Index: d.Index, Err: err})
		}
		return problems, 0
	}
	defer f.Close()

	var read int64
	for _, d := range drops {
		if ctx.Err() != nil {
			break
		}
		hasher := md5.New()
		n, err := io.Copy(hasher, io.NewSectionReader(f, d.Start, d.Length))
		read += n
		if err != nil {
			problems = append(problems, Problem{Filename: d.Filename, Index: d.Index, Err: err})
			continue
		}
		if n != d.Length {
			problems = append(problems, Problem{Filename: d.Filename, Index: d.Index, Err: fmt.Errorf("short file: %d of %d bytes", n, d.Length)})
			continue
		}
		if got := hex.EncodeToString(hasher.Sum(nil)); got != d.Checksum {
			problems = append(problems, Problem{Filename: d.Filename, Index: d.Index, Expected: d.Checksum, Got: got})
		}
	}
	return problems, read
}
