// Package coordinator resolves download contexts and drives buckets through
// a fixed pool of workers with per-bucket retries.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
	"github.com/tanq16/bucket/internal/pipeline"
	"github.com/tanq16/bucket/internal/planner"
	"github.com/tanq16/bucket/internal/remote"
	"github.com/tanq16/bucket/internal/utils"
)

const (
	RetryCount     = 3
	DefaultWorkers = 4
	DefaultBackoff = 500 * time.Millisecond
)

type ChunkAPI interface {
	Context(ctx context.Context, distribution, version string) (remote.DownloadContext, error)
	Chunk(ctx context.Context, dctx remote.DownloadContext, drops []manifest.Drop) (*remote.ChunkResponse, error)
}

// Recorder persists completed buckets.
type Recorder interface {
	Record(bucket planner.Bucket, digests []pipeline.Digest) error
}

// Resumer reports which buckets of a plan still need transferring.
type Resumer interface {
	Pending(buckets []planner.Bucket) ([]planner.Bucket, error)
}

// Reporter receives per-bucket status updates for display.
type Reporter interface {
	Register(label string, total int64) int
	Attempt(id, attempt int)
	Progress(id int, n int64)
	Retry(id, attempt int, err error)
	Complete(id int, message string)
	Fail(id int, err error)
}

type State int

const (
	Pending State = iota
	InFlight
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Options struct {
	Workers int
	Retries int
	Backoff time.Duration
	// Strict turns a digest mismatch into a failed attempt. When false the
	// mismatch is only logged.
	Strict   bool
	Recorder Recorder
	Resumer  Resumer
	Reporter Reporter
}

// Result covers the buckets transferred by a run. States is indexed like
// those buckets; Skipped counts planned buckets the Resumer had already
// completed.
type Result struct {
	Completed *CompletionLog
	States    []State
	Buckets   int
	Skipped   int
	Bytes     int64
	Elapsed   time.Duration
}

type Coordinator struct {
	api  ChunkAPI
	opts Options

	mu     sync.Mutex
	states []State
}

func New(api ChunkAPI, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retries <= 0 {
		opts.Retries = RetryCount
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &Coordinator{api: api, opts: opts}
}

func (c *Coordinator) setState(index int, s State) {
	c.mu.Lock()
	c.states[index] = s
	c.mu.Unlock()
}

// ResolveContexts requests one context per distinct version, in order of
// first appearance. It must finish before any bucket is transferred.
func (c *Coordinator) ResolveContexts(ctx context.Context, distributionID string, buckets []planner.Bucket) (map[string]remote.DownloadContext, error) {
	contexts := make(map[string]remote.DownloadContext)
	for _, b := range buckets {
		if _, ok := contexts[b.Version]; ok {
			continue
		}
		dctx, err := c.api.Context(ctx, distributionID, b.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to generate download context for %s: %w", b.Version, err)
		}
		log.Debug().Str("op", "coordinator/context").Msgf("Resolved download context for version %s", b.Version)
		contexts[b.Version] = dctx
	}
	return contexts, nil
}

// Run transfers every bucket of the plan the Resumer does not report as
// done. The first bucket to exhaust its attempts stops the run; buckets
// already in flight are cancelled. After a successful run file modes are
// applied across the whole plan, skipped buckets included.
func (c *Coordinator) Run(ctx context.Context, distributionID string, planned []planner.Bucket) (*Result, error) {
	start := time.Now()
	buckets := planned
	if c.opts.Resumer != nil {
		pending, err := c.opts.Resumer.Pending(planned)
		if err != nil {
			return &Result{Completed: &CompletionLog{}}, err
		}
		buckets = pending
	}
	c.states = make([]State, len(buckets))
	result := &Result{Completed: &CompletionLog{}, Buckets: len(buckets), Skipped: len(planned) - len(buckets)}

	contexts, err := c.ResolveContexts(ctx, distributionID, buckets)
	if err != nil {
		return result, err
	}

	ids := make([]int, len(buckets))
	if c.opts.Reporter != nil {
		for i, b := range buckets {
			ids[i] = c.opts.Reporter.Register(bucketLabel(i, b), b.Size())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var runErr error
	var bytesDone int64

	for range min(c.opts.Workers, max(len(buckets), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				bucket := buckets[index]
				var err error
				if dctx, ok := contexts[bucket.Version]; ok {
					err = c.transfer(runCtx, index, ids[index], bucket, dctx, result.Completed)
				} else {
					c.setState(index, Failed)
					err = &BucketError{Index: index, Version: bucket.Version, Err: ErrMissingContext}
				}
				if err != nil {
					errMu.Lock()
					if runErr == nil {
						runErr = err
					}
					errMu.Unlock()
					cancel()
					continue
				}
				errMu.Lock()
				bytesDone += bucket.Size()
				errMu.Unlock()
			}
		}()
	}

feed:
	for index := range buckets {
		select {
		case jobs <- index:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	result.Bytes = bytesDone
	result.Elapsed = time.Since(start)
	c.mu.Lock()
	result.States = append([]State(nil), c.states...)
	c.mu.Unlock()

	if runErr != nil {
		return result, runErr
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := applyPermissions(planned); err != nil {
		return result, err
	}
	log.Info().Str("op", "coordinator/run").Msgf("Finished download of %d buckets (%s) in %s", len(buckets), utils.FormatBytes(uint64(bytesDone)), result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// applyPermissions sets the manifest modes of every file in the plan. It
// runs once all buckets are written, since a read-only file may still be
// written by a later bucket.
func applyPermissions(buckets []planner.Bucket) error {
	var drops []manifest.Drop
	for _, b := range buckets {
		drops = append(drops, b.Drops...)
	}
	return pipeline.ApplyPermissions(drops)
}

func bucketLabel(index int, b planner.Bucket) string {
	if len(b.Drops) == 1 {
		return fmt.Sprintf("bucket %d: %s [%d]", index, b.Drops[0].Filename, b.Drops[0].Index)
	}
	return fmt.Sprintf("bucket %d: %d ranges of %s", index, len(b.Drops), b.Version)
}

func (c *Coordinator) transfer(ctx context.Context, index, id int, bucket planner.Bucket, dctx remote.DownloadContext, completed *CompletionLog) error {
	reporter := c.opts.Reporter
	cancelled := func() error {
		c.setState(index, Failed)
		if reporter != nil {
			reporter.Fail(id, ctx.Err())
		}
		return ctx.Err()
	}
	c.setState(index, InFlight)
	var lastErr error
	for attempt := range c.opts.Retries {
		if attempt > 0 {
			log.Warn().Str("op", "coordinator/transfer").Msgf("Retrying bucket %d (attempt %d/%d)", index, attempt+1, c.opts.Retries)
			if reporter != nil {
				reporter.Retry(id, attempt+1, lastErr)
			}
			select {
			case <-ctx.Done():
				return cancelled()
			case <-time.After(time.Duration(attempt) * c.opts.Backoff):
			}
		}
		if reporter != nil {
			reporter.Attempt(id, attempt+1)
		}
		start := time.Now()
		digests, err := c.downloadBucket(ctx, id, bucket, dctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return cancelled()
			}
			log.Error().Str("op", "coordinator/transfer").Err(err).Msgf("Bucket %d attempt %d failed", index, attempt+1)
			continue
		}

		for _, drop := range bucket.Drops {
			completed.Append(drop.Checksum)
		}
		if c.opts.Recorder != nil {
			if err := c.opts.Recorder.Record(bucket, digests); err != nil {
				log.Warn().Str("op", "coordinator/transfer").Err(err).Msgf("Could not journal bucket %d", index)
			}
		}
		elapsed := time.Since(start).Seconds()
		size := bucket.Size()
		log.Info().Str("op", "coordinator/transfer").Msgf("Finished bucket %d with speed of %.2fMB/s", index, utils.MegabytesPerSecond(size, elapsed))
		if reporter != nil {
			reporter.Complete(id, fmt.Sprintf("%s (%s, %s)", bucketLabel(index, bucket), utils.FormatBytes(uint64(size)), utils.FormatSpeed(size, elapsed)))
		}
		c.setState(index, Completed)
		return nil
	}
	c.setState(index, Failed)
	bucketErr := &BucketError{Index: index, Version: bucket.Version, Attempts: c.opts.Retries, Err: lastErr}
	if reporter != nil {
		reporter.Fail(id, bucketErr)
	}
	return bucketErr
}

func (c *Coordinator) downloadBucket(ctx context.Context, id int, bucket planner.Bucket, dctx remote.DownloadContext) ([]pipeline.Digest, error) {
	resp, err := c.api.Chunk(ctx, dctx, bucket.Drops)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := MatchLengths(bucket.Drops, resp.Lengths); err != nil {
		return nil, err
	}

	var opts []pipeline.Option
	if reporter := c.opts.Reporter; reporter != nil {
		opts = append(opts, pipeline.WithProgress(func(n int64) { reporter.Progress(id, n) }))
	}
	p, err := pipeline.Open(resp.Body, bucket.Drops, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.CopyAll(); err != nil {
		p.Close()
		return nil, err
	}
	digests, err := p.Finish()
	if err != nil {
		return nil, err
	}
	if err := c.checkDigests(bucket, digests); err != nil {
		return nil, err
	}
	return digests, nil
}

func (c *Coordinator) checkDigests(bucket planner.Bucket, digests []pipeline.Digest) error {
	var mismatches []error
	for index, drop := range bucket.Drops {
		got := digests[index].Hex()
		if got == drop.Checksum {
			continue
		}
		err := fmt.Errorf("%w: %s range %d: expected %s, got %s", ErrChecksumMismatch, drop.Filename, drop.Index, drop.Checksum, got)
		if !c.opts.Strict {
			log.Warn().Str("op", "coordinator/checksum").Err(err).Msg("Keeping range with mismatched checksum")
			continue
		}
		mismatches = append(mismatches, err)
	}
	return errors.Join(mismatches...)
}

// MatchLengths checks the server's announced lengths against the requested
// drops, position by position.
func MatchLengths(drops []manifest.Drop, lengths []int64) error {
	for i, length := range lengths {
		if i >= len(drops) {
			return &ProtocolError{Position: i, Expected: -1, Got: length}
		}
		if drops[i].Length != length {
			return &ProtocolError{Position: i, File: drops[i].Filename, Expected: drops[i].Length, Got: length}
		}
	}
	if len(lengths) < len(drops) {
		missing := drops[len(lengths)]
		return &ProtocolError{Position: len(lengths), File: missing.Filename, Expected: missing.Length, Got: -1}
	}
	return nil
}
