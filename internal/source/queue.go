// Package source enumerates the files of a run, once, in directory order.
package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const readBatch = 64

// Entry is one candidate file.
type Entry struct {
	Name string
	Size int64
}

// Options filters what the queue yields.
type Options struct {
	// MaxNameLength skips longer names. Zero means no limit.
	MaxNameLength int
	// Include keeps only names matching one of the patterns. Empty keeps all.
	Include []string
	// Exclude drops names matching any pattern.
	Exclude []string
}

// Validate checks the glob patterns.
func (o Options) Validate() error {
	for _, p := range append(append([]string{}, o.Include...), o.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// Queue yields the regular, non-hidden files at the top level of a directory.
// It reads the directory lazily and cannot be restarted.
type Queue struct {
	dir     *os.File
	opts    Options
	logger  *slog.Logger
	pending []os.DirEntry
	done    bool

	observed int
	skipped  int
}

// Open starts enumerating dir.
func Open(dir string, opts Options, logger *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open source directory: %w", err)
	}
	return &Queue{dir: f, opts: opts, logger: logger.With("component", "source")}, nil
}

// Next returns the next file, or io.EOF once the directory is exhausted.
func (q *Queue) Next() (Entry, error) {
	for {
		if len(q.pending) == 0 {
			if q.done {
				return Entry{}, io.EOF
			}
			entries, err := q.dir.ReadDir(readBatch)
			if errors.Is(err, io.EOF) || (err == nil && len(entries) == 0) {
				q.done = true
				continue
			}
			if err != nil {
				return Entry{}, fmt.Errorf("read source directory: %w", err)
			}
			q.pending = entries
		}

		de := q.pending[0]
		q.pending = q.pending[1:]

		entry, ok := q.accept(de)
		if ok {
			q.observed++
			return entry, nil
		}
	}
}

func (q *Queue) accept(de os.DirEntry) (Entry, bool) {
	name := de.Name()
	if strings.HasPrefix(name, ".") {
		return Entry{}, false
	}
	// Info does not follow symlinks, so links are not regular files here.
	info, err := de.Info()
	if err != nil || !info.Mode().IsRegular() {
		return Entry{}, false
	}
	if q.opts.MaxNameLength > 0 && len(name) > q.opts.MaxNameLength {
		q.skipped++
		q.logger.Warn("skipping file: name too long", "file", name, "length", len(name), "max", q.opts.MaxNameLength)
		return Entry{}, false
	}
	if !q.matches(name) {
		q.skipped++
		return Entry{}, false
	}
	return Entry{Name: name, Size: info.Size()}, true
}

func (q *Queue) matches(name string) bool {
	if len(q.opts.Include) > 0 {
		included := false
		for _, p := range q.opts.Include {
			if ok, _ := doublestar.Match(p, name); ok {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, p := range q.opts.Exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	return true
}

// Observed is the number of entries yielded so far.
func (q *Queue) Observed() int { return q.observed }

// Skipped is the number of regular files filtered out so far.
func (q *Queue) Skipped() int { return q.skipped }

// Close releases the directory handle.
func (q *Queue) Close() error {
	return q.dir.Close()
}
