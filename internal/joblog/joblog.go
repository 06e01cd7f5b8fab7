// Package joblog keeps one append-only execution log per job name.
//
// Lines are formatted as "2006-01-02 15:04:05 - INFO - <message>".
package joblog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02 15:04:05"

var ErrClosed = errors.New("job log registry closed")

// Registry lazily opens <dir>/<name>.log on first use and caches the stream.
type Registry struct {
	dir string

	mu      sync.Mutex
	closed  bool
	files   map[string]*os.File
	loggers map[string]zerolog.Logger
}

func New(dir string) *Registry {
	if dir == "" {
		dir = "."
	}
	return &Registry{
		dir:     dir,
		files:   make(map[string]*os.File),
		loggers: make(map[string]zerolog.Logger),
	}
}

// Logger returns the execution log for the named job.
func (r *Registry) Logger(name string) (zerolog.Logger, error) {
	file := FileName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return zerolog.Nop(), ErrClosed
	}
	if l, ok := r.loggers[file]; ok {
		return l, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return zerolog.Nop(), fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(r.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("open job log: %w", err)
	}

	l := zerolog.New(newWriter(f)).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	r.files[file] = f
	r.loggers[file] = l
	return l, nil
}

// Close flushes and closes every open stream.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, f := range r.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", name, err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.files = nil
	r.loggers = nil
	return errors.Join(errs...)
}

func newWriter(f *os.File) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:          zerolog.SyncWriter(f),
		NoColor:      true,
		TimeFormat:   timeFormat,
		TimeLocation: time.Local,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FormatLevel: func(i any) string {
			return "- " + strings.ToUpper(fmt.Sprint(i)) + " -"
		},
	}
}

// FileName maps a job name to a safe log file name.
func FileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		s = "_"
	}
	return s + ".log"
}
