package coordinator

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/bucket/internal/journal"
	"github.com/tanq16/bucket/internal/manifest"
	"github.com/tanq16/bucket/internal/pipeline"
	"github.com/tanq16/bucket/internal/planner"
	"github.com/tanq16/bucket/internal/remote"
)

type fakeAPI struct {
	mu          sync.Mutex
	files       map[string][]byte
	events      []string
	chunkCalls  int
	failFirst   int
	contextErr  error
	corrupt     bool
	lengths     func(drops []manifest.Drop) []int64
	delay       time.Duration
	failFile    string
	inFlight    int
	maxInFlight int
}

func (f *fakeAPI) Context(ctx context.Context, distribution, version string) (remote.DownloadContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "context:"+version)
	if f.contextErr != nil {
		return remote.DownloadContext{}, f.contextErr
	}
	return remote.DownloadContext{Context: distribution + "/" + version}, nil
}

func (f *fakeAPI) Chunk(ctx context.Context, dctx remote.DownloadContext, drops []manifest.Drop) (*remote.ChunkResponse, error) {
	f.mu.Lock()
	f.events = append(f.events, "chunk:"+dctx.Context)
	f.chunkCalls++
	call := f.chunkCalls
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	for _, d := range drops {
		if d.Filename == f.failFile {
			return nil, &remote.StatusError{Op: "chunk request", Code: 503, Body: "range unavailable"}
		}
	}
	if call <= f.failFirst {
		return nil, &remote.StatusError{Op: "chunk request", Code: 500, Body: "temporarily unavailable"}
	}
	var body bytes.Buffer
	lengths := make([]int64, 0, len(drops))
	for _, d := range drops {
		data := f.files[d.Filename][d.Start : d.Start+d.Length]
		if f.corrupt && len(data) > 0 {
			data = append([]byte{data[0] ^ 0xff}, data[1:]...)
		}
		body.Write(data)
		lengths = append(lengths, d.Length)
	}
	if f.lengths != nil {
		lengths = f.lengths(drops)
	}
	return &remote.ChunkResponse{Lengths: lengths, Body: io.NopCloser(&body)}, nil
}

func content(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) + seed
	}
	return data
}

func sum(data []byte) string {
	s := md5.Sum(data)
	return hex.EncodeToString(s[:])
}

// buildManifest splits every file into ranges of the given size.
func buildManifest(files map[string][]byte, versions map[string]string, rangeSize int) manifest.Manifest {
	m := manifest.Manifest{}
	for name, data := range files {
		chunk := manifest.Chunk{VersionName: versions[name]}
		for start := 0; start < len(data); start += rangeSize {
			end := min(start+rangeSize, len(data))
			chunk.Lengths = append(chunk.Lengths, int64(end-start))
			chunk.Checksums = append(chunk.Checksums, sum(data[start:end]))
		}
		m[name] = chunk
	}
	return m
}

func setup(t *testing.T, target int64) (*fakeAPI, []planner.Bucket, string, manifest.Manifest) {
	t.Helper()
	files := map[string][]byte{
		"bin/game":        content(1000, 1),
		"data/level1.pak": content(333, 2),
		"data/level2.pak": content(2048, 3),
		"readme.txt":      content(12, 4),
	}
	versions := map[string]string{
		"bin/game":        "v1",
		"data/level1.pak": "v1",
		"data/level2.pak": "v2",
		"readme.txt":      "v1",
	}
	m := buildManifest(files, versions, 256)
	root := t.TempDir()
	buckets, err := planner.Plan("game", root, m, planner.Options{TargetSize: target, MaxDrops: 3})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return &fakeAPI{files: files}, buckets, root, m
}

func checkFiles(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s content mismatch", name)
		}
	}
}

func countDrops(buckets []planner.Bucket) int {
	n := 0
	for _, b := range buckets {
		n += len(b.Drops)
	}
	return n
}

func TestRunDownloadsAll(t *testing.T) {
	api, buckets, root, _ := setup(t, 600)
	c := New(api, Options{Workers: 4, Backoff: time.Millisecond, Strict: true})

	result, err := c.Run(context.Background(), "game", buckets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkFiles(t, root, api.files)

	if result.Completed.Len() != countDrops(buckets) {
		t.Errorf("completion log has %d entries, want %d", result.Completed.Len(), countDrops(buckets))
	}
	for i, s := range result.States {
		if s != Completed {
			t.Errorf("bucket %d state %s", i, s)
		}
	}
	var total int64
	for _, b := range buckets {
		total += b.Size()
	}
	if result.Bytes != total {
		t.Errorf("result bytes %d, want %d", result.Bytes, total)
	}

	contexts := 0
	seenChunk := false
	for _, e := range api.events {
		if len(e) > 8 && e[:8] == "context:" {
			contexts++
			if seenChunk {
				t.Errorf("context requested after chunk transfers began")
			}
		} else {
			seenChunk = true
		}
	}
	if contexts != 2 {
		t.Errorf("expected one context per version, got %d", contexts)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	api, buckets, root, _ := setup(t, 1<<30)
	api.failFirst = 2
	// One worker keeps the failing calls on the first bucket.
	c := New(api, Options{Workers: 1, Retries: 3, Backoff: time.Millisecond, Strict: true})

	result, err := c.Run(context.Background(), "game", buckets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkFiles(t, root, api.files)
	if api.chunkCalls != len(buckets)+2 {
		t.Errorf("chunk calls = %d, want %d", api.chunkCalls, len(buckets)+2)
	}
	if result.States[0] != Completed {
		t.Errorf("first bucket state %s", result.States[0])
	}
}

func TestExhaustedRetries(t *testing.T) {
	api, buckets, _, _ := setup(t, 1<<30)
	api.failFirst = 1000
	c := New(api, Options{Workers: 1, Retries: 3, Backoff: time.Millisecond})

	result, err := c.Run(context.Background(), "game", buckets)
	var bucketErr *BucketError
	if !errors.As(err, &bucketErr) {
		t.Fatalf("expected BucketError, got %v", err)
	}
	if bucketErr.Attempts != 3 || bucketErr.Index != 0 {
		t.Errorf("unexpected bucket error: %+v", bucketErr)
	}
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) {
		t.Errorf("expected wrapped StatusError, got %v", err)
	}
	if api.chunkCalls != 3 {
		t.Errorf("chunk calls = %d, want 3 (no further buckets after failure)", api.chunkCalls)
	}
	if result.States[0] != Failed {
		t.Errorf("state %s, want failed", result.States[0])
	}
	if result.Completed.Len() != 0 {
		t.Errorf("completion log should be empty")
	}
}

func TestProtocolMismatchFailsAttempt(t *testing.T) {
	api, buckets, _, _ := setup(t, 1<<30)
	api.lengths = func(drops []manifest.Drop) []int64 { return []int64{drops[0].Length + 1} }
	c := New(api, Options{Workers: 1, Retries: 2, Backoff: time.Millisecond})

	_, err := c.Run(context.Background(), "game", buckets)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if protoErr.Position != 0 {
		t.Errorf("position = %d", protoErr.Position)
	}
	if api.chunkCalls != 2 {
		t.Errorf("protocol errors should be retried, got %d calls", api.chunkCalls)
	}
}

func TestMatchLengths(t *testing.T) {
	drops := []manifest.Drop{{Filename: "a.bin", Length: 10}, {Filename: "a.bin", Index: 1, Start: 10, Length: 20}}

	if err := MatchLengths(drops, []int64{10, 20}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := MatchLengths(drops, []int64{10, 30})
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) || protoErr.Position != 1 || protoErr.Expected != 20 || protoErr.Got != 30 {
		t.Fatalf("expected mismatch at position 1, got %v", err)
	}

	err = MatchLengths(drops, []int64{10})
	if !errors.As(err, &protoErr) || protoErr.Position != 1 || protoErr.Got != -1 {
		t.Fatalf("expected missing entry at position 1, got %v", err)
	}

	err = MatchLengths(drops, []int64{10, 20, 5})
	if !errors.As(err, &protoErr) || protoErr.Position != 2 || protoErr.Expected != -1 {
		t.Fatalf("expected extra entry at position 2, got %v", err)
	}
}

func TestChecksumPolicy(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		api, buckets, _, _ := setup(t, 1<<30)
		api.corrupt = true
		c := New(api, Options{Workers: 1, Retries: 2, Backoff: time.Millisecond, Strict: true})
		_, err := c.Run(context.Background(), "game", buckets)
		if !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("expected ErrChecksumMismatch, got %v", err)
		}
	})
	t.Run("lenient", func(t *testing.T) {
		api, buckets, _, _ := setup(t, 1<<30)
		api.corrupt = true
		c := New(api, Options{Workers: 2, Backoff: time.Millisecond, Strict: false})
		result, err := c.Run(context.Background(), "game", buckets)
		if err != nil {
			t.Fatalf("lenient run failed: %v", err)
		}
		if result.Completed.Len() != countDrops(buckets) {
			t.Errorf("completion log has %d entries", result.Completed.Len())
		}
	})
}

func TestContextFailureStopsBeforeTransfer(t *testing.T) {
	api, buckets, _, _ := setup(t, 600)
	api.contextErr = errors.New("unknown game")
	c := New(api, Options{})

	_, err := c.Run(context.Background(), "game", buckets)
	if err == nil {
		t.Fatal("expected error")
	}
	if api.chunkCalls != 0 {
		t.Errorf("chunk requested %d times after context failure", api.chunkCalls)
	}
}

func TestWorkerBound(t *testing.T) {
	api, buckets, _, _ := setup(t, 300)
	api.delay = 20 * time.Millisecond
	c := New(api, Options{Workers: 2})

	if _, err := c.Run(context.Background(), "game", buckets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.maxInFlight > 2 {
		t.Errorf("observed %d concurrent transfers with 2 workers", api.maxInFlight)
	}
	if len(buckets) > 2 && api.maxInFlight < 2 {
		t.Logf("transfers never overlapped; max in flight %d", api.maxInFlight)
	}
}

func TestCallerCancellation(t *testing.T) {
	api, buckets, _, _ := setup(t, 300)
	api.delay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	c := New(api, Options{Workers: 1, Backoff: time.Millisecond})
	if _, err := c.Run(ctx, "game", buckets); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type recorder struct {
	mu      sync.Mutex
	buckets int
	digests int
}

func (r *recorder) Record(b planner.Bucket, digests []pipeline.Digest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets++
	r.digests += len(digests)
	return nil
}

type reporter struct {
	mu        sync.Mutex
	next      int
	progress  map[int]int64
	completed int
	failed    int
	retries   int
}

func (r *reporter) Register(label string, total int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

func (r *reporter) Attempt(id, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[id] = 0
}

func (r *reporter) Progress(id int, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[id] += n
}

func (r *reporter) Retry(id, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *reporter) Complete(id int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *reporter) Fail(id int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func TestRecorderAndReporter(t *testing.T) {
	api, buckets, _, _ := setup(t, 600)
	api.failFirst = 1
	rec := &recorder{}
	rep := &reporter{progress: map[int]int64{}}
	c := New(api, Options{Workers: 1, Backoff: time.Millisecond, Strict: true, Recorder: rec, Reporter: rep})

	if _, err := c.Run(context.Background(), "game", buckets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.buckets != len(buckets) || rec.digests != countDrops(buckets) {
		t.Errorf("recorder saw %d buckets / %d digests", rec.buckets, rec.digests)
	}
	if rep.next != len(buckets) || rep.completed != len(buckets) || rep.failed != 0 {
		t.Errorf("reporter registered %d, completed %d, failed %d", rep.next, rep.completed, rep.failed)
	}
	if rep.retries != 1 {
		t.Errorf("reporter saw %d retries, want 1", rep.retries)
	}
	for i, b := range buckets {
		if rep.progress[i+1] != b.Size() {
			t.Errorf("bucket %d progress %d, want %d", i, rep.progress[i+1], b.Size())
		}
	}
}

func TestCompletionLogConcurrentAppend(t *testing.T) {
	var l CompletionLog
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Append(fmt.Sprintf("%d-%d", i, j))
			}
		}(i)
	}
	wg.Wait()
	if l.Len() != 6400 {
		t.Fatalf("log has %d entries, want 6400", l.Len())
	}
	seen := make(map[string]bool)
	for _, c := range l.Checksums() {
		seen[c] = true
	}
	if len(seen) != 6400 {
		t.Errorf("lost or duplicated entries: %d unique", len(seen))
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Pending: "pending", InFlight: "in-flight", Completed: "completed", Failed: "failed", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}

func TestPermissionsAppliedAfterRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not portable")
	}
	data := content(900, 9)
	files := map[string][]byte{"bin/tool": data}
	m := buildManifest(files, map[string]string{"bin/tool": "v1"}, 300)
	chunk := m["bin/tool"]
	chunk.Permissions = 0o555
	m["bin/tool"] = chunk
	root := t.TempDir()
	// One range per bucket so the read-only file is written by several buckets.
	buckets, err := planner.Plan("game", root, m, planner.Options{MaxDrops: 1})
	if err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{files: files}
	c := New(api, Options{Workers: 1, Strict: true})
	if _, err := c.Run(context.Background(), "game", buckets); err != nil {
		t.Fatalf("Run: %v", err)
	}
	path := filepath.Join(root, "bin", "tool")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o555 {
		t.Errorf("mode = %v, want 0555", info.Mode().Perm())
	}
	os.Chmod(path, 0o644)
	checkFiles(t, root, files)
}

func TestResumedRunAppliesPermissionsToSkippedBuckets(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits are not portable")
	}
	files := map[string][]byte{"a/tool": content(500, 5), "b/data": content(700, 6)}
	m := buildManifest(files, map[string]string{"a/tool": "v1", "b/data": "v1"}, 1000)
	tool := m["a/tool"]
	tool.Permissions = 0o555
	m["a/tool"] = tool
	root := t.TempDir()
	planned, err := planner.Plan("game", root, m, planner.Options{MaxDrops: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected one bucket per file, got %d", len(planned))
	}
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	toolPath := filepath.Join(root, "a", "tool")
	mode := func() os.FileMode {
		t.Helper()
		info, err := os.Stat(toolPath)
		if err != nil {
			t.Fatal(err)
		}
		return info.Mode().Perm()
	}

	// The first run completes a/tool and gives up on b/data.
	api := &fakeAPI{files: files, failFile: "b/data"}
	opts := Options{Workers: 1, Retries: 1, Backoff: time.Millisecond, Strict: true, Recorder: j, Resumer: j}
	if _, err := New(api, opts).Run(context.Background(), "game", planned); err == nil {
		t.Fatal("expected first run to fail")
	}
	if mode() == 0o555 {
		t.Fatal("modes should not be applied after a failed run")
	}

	api = &fakeAPI{files: files}
	result, err := New(api, opts).Run(context.Background(), "game", planned)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if result.Buckets != 1 || result.Skipped != 1 {
		t.Errorf("resumed run transferred %d and skipped %d buckets", result.Buckets, result.Skipped)
	}
	if got := mode(); got != 0o555 {
		t.Errorf("a/tool mode = %v after resumed run, want 0555", got)
	}

	// With every bucket journaled nothing is transferred, but modes are
	// still restored.
	if err := os.Chmod(toolPath, 0o644); err != nil {
		t.Fatal(err)
	}
	api = &fakeAPI{files: files}
	result, err = New(api, opts).Run(context.Background(), "game", planned)
	if err != nil {
		t.Fatalf("fully journaled run: %v", err)
	}
	if result.Buckets != 0 || result.Skipped != 2 || api.chunkCalls != 0 {
		t.Errorf("fully journaled run transferred %d buckets with %d chunk calls", result.Buckets, api.chunkCalls)
	}
	if got := mode(); got != 0o555 {
		t.Errorf("a/tool mode = %v after fully journaled run, want 0555", got)
	}
	checkFiles(t, root, files)
}
