// Package audit provides the NDJSON file-backed audit event store with
// daily rotation and retention pruning.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datagate-io/datagate/internal/domain/audit"
)

// File naming: audit-2006-01-02.log, one JSON object per line.
const (
	filePrefix = "audit-"
	fileSuffix = ".log"
	dateLayout = "2006-01-02"
)

// FileStore appends audit events to daily NDJSON files. Events at or
// above the mirror severity are additionally written to the mirror
// writer (stderr in production) so operators see them without tailing
// files.
type FileStore struct {
	dir           string
	retentionDays int
	mirrorMin     audit.Severity
	mirror        io.Writer
	now           func() time.Time
	logger        *slog.Logger
	mu            sync.Mutex
	currentDay    string
	currentFile   *os.File
	currentWriter *bufio.Writer
	lastRetention time.Time
}

var _ audit.EventStore = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithRetentionDays overrides the 30-day default retention.
func WithRetentionDays(days int) FileStoreOption {
	return func(s *FileStore) { s.retentionDays = days }
}

// WithMirror overrides the mirror writer and its minimum severity.
func WithMirror(w io.Writer, min audit.Severity) FileStoreOption {
	return func(s *FileStore) {
		s.mirror = w
		s.mirrorMin = min
	}
}

// WithClock overrides the clock, used in tests.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates the audit directory if needed and opens today's
// file lazily on first append.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	s := &FileStore{
		dir:           dir,
		retentionDays: 30,
		mirrorMin:     audit.SeverityWarning,
		mirror:        os.Stderr,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append writes events as NDJSON lines, rotating at day boundaries.
// Details are redacted before anything reaches disk.
func (s *FileStore) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		e.Details = audit.RedactDetails(e.Details)

		if err := s.rotateLocked(e.Timestamp); err != nil {
			return err
		}

		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", e.EventID, err)
		}
		if _, err := s.currentWriter.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}

		if s.mirror != nil && e.Severity.AtLeast(s.mirrorMin) {
			fmt.Fprintf(s.mirror, "%s\n", line)
		}
	}

	if err := s.currentWriter.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}

	s.pruneLocked()
	return nil
}

// rotateLocked opens the file for the event's day, closing the previous
// day's file at the boundary.
func (s *FileStore) rotateLocked(ts time.Time) error {
	if ts.IsZero() {
		ts = s.now()
	}
	day := ts.UTC().Format(dateLayout)
	if day == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		s.currentWriter.Flush()
		s.currentFile.Close()
	}

	path := filepath.Join(s.dir, filePrefix+day+fileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file %s: %w", path, err)
	}
	s.currentDay = day
	s.currentFile = f
	s.currentWriter = bufio.NewWriter(f)
	return nil
}

// pruneLocked deletes audit files older than the retention window, at
// most once per hour.
func (s *FileStore) pruneLocked() {
	now := s.now()
	if now.Sub(s.lastRetention) < time.Hour {
		return
	}
	s.lastRetention = now

	cutoff := now.UTC().AddDate(0, 0, -s.retentionDays)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audit retention scan failed", "error", err)
		return
	}
	for _, entry := range entries {
		day, ok := fileDay(entry.Name())
		if !ok {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("audit retention delete failed", "file", path, "error", err)
			} else {
				s.logger.Info("audit file pruned", "file", entry.Name())
			}
		}
	}
}

// Query scans daily files newest first and returns up to limit matching
// events, newest first.
func (s *FileStore) Query(ctx context.Context, filter audit.QueryFilter, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	if s.currentWriter != nil {
		s.currentWriter.Flush()
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}

	var days []string
	for _, entry := range entries {
		if _, ok := fileDay(entry.Name()); ok {
			days = append(days, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	var out []audit.Event
	for _, name := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := s.readFile(filepath.Join(s.dir, name), filter)
		if err != nil {
			return nil, err
		}
		// Within a file events are oldest first; reverse them.
		for i := len(events) - 1; i >= 0; i-- {
			out = append(out, events[i])
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *FileStore) readFile(path string, filter audit.QueryFilter) ([]audit.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn line (crash mid-write) is skipped, not fatal.
			s.logger.Warn("skipping malformed audit line", "file", path, "error", err)
			continue
		}
		if filter.Matches(e) {
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file %s: %w", path, err)
	}
	return events, nil
}

// Close flushes and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile == nil {
		return nil
	}
	if err := s.currentWriter.Flush(); err != nil {
		return err
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	s.currentWriter = nil
	s.currentDay = ""
	return err
}

// fileDay parses the date out of an audit file name.
func fileDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	datePart := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	day, err := time.Parse(dateLayout, datePart)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
