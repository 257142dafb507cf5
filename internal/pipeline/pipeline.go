// Package pipeline splits one ordered byte stream into the file ranges it
// carries, hashing each range as it is written.
package pipeline

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
)

const (
	MaxPacketLength = 4096 * 4
	writerBuffer    = 1024 * 1024
)

// Digest is the MD5 of the bytes written for one drop.
type Digest [md5.Size]byte

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// StreamError is a read or write failure while copying a drop.
type StreamError struct {
	File string
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error on %s: %v", e.File, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// dropWriter sends every byte to the destination file and the hasher.
type dropWriter struct {
	file        *os.File
	destination *bufio.Writer
	hasher      hash.Hash
}

func newDropWriter(path string) (*dropWriter, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if errors.Is(err, os.ErrPermission) {
		// A previous install may have left the file read-only.
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().IsRegular() {
			if os.Chmod(path, info.Mode().Perm()|0o200) == nil {
				file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &dropWriter{
		file:        file,
		destination: bufio.NewWriterSize(file, writerBuffer),
		hasher:      md5.New(),
	}, nil
}

func (w *dropWriter) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	return w.destination.Write(p)
}

func (w *dropWriter) Seek(offset int64) error {
	if err := w.destination.Flush(); err != nil {
		return err
	}
	_, err := w.file.Seek(offset, io.SeekStart)
	return err
}

func (w *dropWriter) finish() (Digest, error) {
	var digest Digest
	flushErr := w.destination.Flush()
	closeErr := w.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return digest, err
	}
	copy(digest[:], w.hasher.Sum(nil))
	return digest, nil
}

type Option func(*Pipeline)

// WithProgress registers a callback receiving the size of every write.
func WithProgress(fn func(n int64)) Option {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

// Pipeline demultiplexes source into drops. Drops must be in the order the
// server emits their bytes.
type Pipeline struct {
	source      io.Reader
	drops       []manifest.Drop
	destination []*dropWriter
	progress    func(n int64)
	closed      bool
}

// Open opens one writer per drop, without truncating existing files.
func Open(source io.Reader, drops []manifest.Drop, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		source:      source,
		drops:       drops,
		destination: make([]*dropWriter, 0, len(drops)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, drop := range drops {
		w, err := newDropWriter(drop.Path)
		if err != nil {
			p.Close()
			return nil, &StreamError{File: drop.Filename, Err: err}
		}
		p.destination = append(p.destination, w)
	}
	return p, nil
}

// CopyAll moves every drop's bytes from the source to its file. Reads never
// cross a drop boundary.
func (p *Pipeline) CopyAll() error {
	buffer := make([]byte, MaxPacketLength)
	for index, drop := range p.drops {
		destination := p.destination[index]
		if drop.Start != 0 {
			if err := destination.Seek(drop.Start); err != nil {
				return &StreamError{File: drop.Filename, Err: err}
			}
		}
		remaining := drop.Length
		for remaining > 0 {
			size := int64(MaxPacketLength)
			if remaining < size {
				size = remaining
			}
			n, err := p.source.Read(buffer[:size])
			if n > 0 {
				if _, werr := destination.Write(buffer[:n]); werr != nil {
					return &StreamError{File: drop.Filename, Err: werr}
				}
				remaining -= int64(n)
				if p.progress != nil {
					p.progress(int64(n))
				}
			}
			if err != nil {
				if err == io.EOF {
					if remaining == 0 {
						break
					}
					err = io.ErrUnexpectedEOF
				}
				log.Debug().Str("op", "pipeline/copy").Err(err).Msgf("Got error from %s", drop.Filename)
				return &StreamError{File: drop.Filename, Err: err}
			}
		}
	}
	return nil
}

// Finish flushes and closes every writer in drop order and returns one
// digest per drop.
func (p *Pipeline) Finish() ([]Digest, error) {
	if p.closed {
		return nil, errors.New("pipeline already closed")
	}
	p.closed = true
	digests := make([]Digest, len(p.destination))
	var firstErr error
	for index, w := range p.destination {
		digest, err := w.finish()
		if err != nil && firstErr == nil {
			firstErr = &StreamError{File: p.drops[index].Filename, Err: err}
		}
		digests[index] = digest
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return digests, nil
}

// Close releases every file without computing digests.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, w := range p.destination {
		errs = append(errs, w.file.Close())
	}
	return errors.Join(errs...)
}

// ApplyPermissions sets the manifest mode bits on each distinct file.
// A zero mask leaves the file mode untouched.
func ApplyPermissions(drops []manifest.Drop) error {
	done := make(map[string]struct{})
	for _, drop := range drops {
		if drop.Permissions == 0 {
			continue
		}
		if _, ok := done[drop.Path]; ok {
			continue
		}
		done[drop.Path] = struct{}{}
		if err := os.Chmod(drop.Path, os.FileMode(drop.Permissions&0o777)); err != nil {
			return fmt.Errorf("error setting permissions on %s: %w", drop.Filename, err)
		}
	}
	return nil
}
