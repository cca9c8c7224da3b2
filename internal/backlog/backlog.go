// Package backlog loads visit jobs from JSON input files and hands them out to
// the queue controller.
package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// ErrMalformed marks an input file that is not a JSON object of jobs.
var ErrMalformed = errors.New("malformed backlog file")

// Backlog is the pool of jobs not yet enqueued. It is owned by a single
// goroutine and is not safe for concurrent use.
type Backlog struct {
	files  [][]crawler.Job
	names  []string
	jobs   []crawler.Job
	logger *zap.Logger
}

// Expand resolves the input list. A single directory expands to the *.json
// files it contains, in name order.
func Expand(inputs []string) ([]string, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no input files")
	}
	info, err := os.Stat(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if !info.IsDir() {
		return append([]string(nil), inputs...), nil
	}
	entries, err := os.ReadDir(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(inputs[0], e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Open parses every file up front so a malformed input aborts the run before
// any job is dispatched.
func Open(paths []string, logger *zap.Logger) (*Backlog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backlog{logger: logger}
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied input
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		jobs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		b.files = append(b.files, jobs)
		b.names = append(b.names, path)
	}
	return b, nil
}

// Parse decodes a `{"<job id>": job, ...}` document, keeping file order.
func Parse(data []byte) ([]crawler.Job, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level must be an object", ErrMalformed)
	}
	var (
		jobs    []crawler.Job
		loopErr error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		var job crawler.Job
		if err := json.Unmarshal([]byte(value.Raw), &job); err != nil {
			loopErr = fmt.Errorf("%w: job %q: %w", ErrMalformed, key.String(), err)
			return false
		}
		if job.URL == "" {
			loopErr = fmt.Errorf("%w: job %q has no url", ErrMalformed, key.String())
			return false
		}
		job.ID = key.String()
		jobs = append(jobs, job)
		return true
	})
	if loopErr != nil {
		return nil, loopErr
	}
	return jobs, nil
}

// Next pops a job. Files are consumed last-listed first and jobs within a
// file from the end.
func (b *Backlog) Next() (crawler.Job, bool) {
	for len(b.jobs) == 0 {
		if len(b.files) == 0 {
			return crawler.Job{}, false
		}
		last := len(b.files) - 1
		b.jobs = b.files[last]
		b.logger.Debug("loaded backlog file", zap.String("file", b.names[last]), zap.Int("jobs", len(b.jobs)))
		b.files = b.files[:last]
		b.names = b.names[:last]
	}
	last := len(b.jobs) - 1
	job := b.jobs[last]
	b.jobs = b.jobs[:last]
	return job, true
}

// Hold returns a job that could not be placed; it is the next one handed out.
func (b *Backlog) Hold(job crawler.Job) {
	b.jobs = append(b.jobs, job)
}

// Exhausted reports whether no jobs remain.
func (b *Backlog) Exhausted() bool {
	if len(b.jobs) > 0 {
		return false
	}
	for _, f := range b.files {
		if len(f) > 0 {
			return false
		}
	}
	return true
}

// Remaining counts jobs not yet handed out.
func (b *Backlog) Remaining() int {
	n := len(b.jobs)
	for _, f := range b.files {
		n += len(f)
	}
	return n
}
