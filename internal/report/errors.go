package report

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"transit/internal/protocol"
	"transit/internal/watcher"
)

const (
	errorsWatchKey    = "errors"
	maxReadPerScan    = 1024 * 1024
	maxLinesPerReport = 100

	SourceLog      = "log"
	SourceUncaught = "uncaught"
)

// DefaultErrorPattern matches common error markers in log lines.
var DefaultErrorPattern = regexp.MustCompile(`(?i)\b(error|exception|fatal|panic)\b`)

// ErrorsOptions configures an Errors emitter.
type ErrorsOptions struct {
	Sender  Sender
	Files   []string
	Pattern *regexp.Regexp
	Watcher *watcher.Watcher
	Logger  *slog.Logger
}

// Errors tails log files for error lines and forwards errors raised by
// the host application.
type Errors struct {
	sender  Sender
	files   []string
	pattern *regexp.Regexp
	watcher *watcher.Watcher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	offsets map[string]int64
}

// NewErrors creates an Errors emitter.
func NewErrors(opts ErrorsOptions) *Errors {
	pattern := opts.Pattern
	if pattern == nil {
		pattern = DefaultErrorPattern
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Errors{
		sender:  opts.Sender,
		files:   opts.Files,
		pattern: pattern,
		watcher: opts.Watcher,
		logger:  logger.With("component", "errors"),
		now:     time.Now,
		offsets: make(map[string]int64),
	}
}

// Start begins tailing from the current end of each file, so only lines
// written from now on are reported.
func (e *Errors) Start() error {
	e.mu.Lock()
	for _, f := range e.files {
		if info, err := os.Stat(f); err == nil {
			e.offsets[f] = info.Size()
		}
	}
	e.mu.Unlock()

	if e.watcher == nil || len(e.files) == 0 {
		return nil
	}
	if err := e.watcher.Watch(errorsWatchKey, e.files, func(_ string, changed []string) {
		for _, f := range changed {
			e.Scan(f)
		}
	}); err != nil {
		return fmt.Errorf("watch error logs: %w", err)
	}
	return nil
}

// Stop ends tailing.
func (e *Errors) Stop() {
	if e.watcher != nil {
		e.watcher.Unwatch(errorsWatchKey)
	}
}

// Scan reads what was appended to path since the last scan and reports
// matching lines. A file that shrank is read again from the start.
func (e *Errors) Scan(path string) {
	lines, err := e.readNew(path)
	if err != nil {
		e.logger.Debug("scanning log failed", "file", path, "error", err)
		return
	}

	var matched []string
	for _, line := range lines {
		if e.pattern.MatchString(line) {
			matched = append(matched, line)
		}
	}
	for len(matched) > 0 {
		n := min(len(matched), maxLinesPerReport)
		send(e.sender, e.logger, protocol.ErrorReport{
			File:       path,
			Source:     SourceLog,
			Lines:      matched[:n],
			ReportedAt: e.now().UnixMilli(),
		})
		matched = matched[n:]
	}
}

// readNew returns the complete lines appended since the stored offset.
// A trailing partial line is left for the next scan.
func (e *Errors) readNew(path string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := e.offsets[path]
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	buf, err := io.ReadAll(io.LimitReader(f, maxReadPerScan))
	if err != nil {
		return nil, err
	}
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if len(buf) == maxReadPerScan {
			// One oversized line; skip it rather than stall.
			e.offsets[path] = offset + int64(len(buf))
		}
		return nil, nil
	}
	e.offsets[path] = offset + int64(end) + 1

	var lines []string
	for _, line := range strings.Split(string(buf[:end]), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Report forwards an error raised by the host application.
func (e *Errors) Report(err error) error {
	if err == nil {
		return nil
	}
	return send(e.sender, e.logger, protocol.ErrorReport{
		Source:     SourceUncaught,
		Lines:      strings.Split(err.Error(), "\n"),
		ReportedAt: e.now().UnixMilli(),
	})
}

// Recover reports a panic from the calling goroutine and re-panics. Use
// it as `defer errs.Recover()`.
func (e *Errors) Recover() {
	if r := recover(); r != nil {
		e.Report(fmt.Errorf("panic: %v", r))
		panic(r)
	}
}
