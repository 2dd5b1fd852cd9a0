package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stream names. Each stream rotates independently with its own retention.
const (
	StreamError    = "error"
	StreamCombined = "combined"
	StreamHTTP     = "http"
	StreamSecurity = "security"
)

// RotationConfig controls file rotation for one stream
type RotationConfig struct {
	// MaxSizeBytes rotates the current file when it grows past this size
	MaxSizeBytes int64

	// RetentionDays removes rotated files older than this
	RetentionDays int
}

// DefaultRotationConfigs returns the per-stream rotation policy
func DefaultRotationConfigs() map[string]RotationConfig {
	return map[string]RotationConfig{
		StreamError:    {MaxSizeBytes: 20 * 1024 * 1024, RetentionDays: 30},
		StreamCombined: {MaxSizeBytes: 50 * 1024 * 1024, RetentionDays: 14},
		StreamHTTP:     {MaxSizeBytes: 50 * 1024 * 1024, RetentionDays: 7},
		StreamSecurity: {MaxSizeBytes: 20 * 1024 * 1024, RetentionDays: 30},
	}
}

// RotatingWriter writes one log stream to dated files under a directory,
// rotating daily and on size overflow, and pruning files past retention.
type RotatingWriter struct {
	mu      sync.Mutex
	dir     string
	stream  string
	config  RotationConfig
	file    *os.File
	size    int64
	day     string // yyyy-mm-dd of the open file
	seq     int    // size-overflow sequence within a day
	nowFunc func() time.Time
}

// NewRotatingWriter creates a rotating writer for a stream
func NewRotatingWriter(dir, stream string, config RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		dir:     dir,
		stream:  stream,
		config:  config,
		nowFunc: time.Now,
	}

	if err := w.open(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write appends a record, rotating first if the day changed or the size cap
// was reached
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.nowFunc().Format("2006-01-02")
	if day != w.day {
		w.seq = 0
		if err := w.rotateLocked(day); err != nil {
			return 0, err
		}
	} else if w.config.MaxSizeBytes > 0 && w.size+int64(len(p)) > w.config.MaxSizeBytes {
		w.seq++
		if err := w.rotateLocked(day); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Flush syncs the current file to disk
func (w *RotatingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close flushes and closes the current file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(w.nowFunc().Format("2006-01-02"))
}

func (w *RotatingWriter) rotateLocked(day string) error {
	if w.file != nil {
		w.file.Sync()
		w.file.Close()
		w.file = nil
	}

	name := fmt.Sprintf("%s-%s.log", w.stream, day)
	if w.seq > 0 {
		name = fmt.Sprintf("%s-%s.%d.log", w.stream, day, w.seq)
	}

	path := filepath.Join(w.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	w.file = file
	w.size = info.Size()
	w.day = day

	w.pruneLocked()
	return nil
}

// pruneLocked removes rotated files for this stream past the retention window
func (w *RotatingWriter) pruneLocked() {
	if w.config.RetentionDays <= 0 {
		return
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	cutoff := w.nowFunc().AddDate(0, 0, -w.config.RetentionDays)
	prefix := w.stream + "-"

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		info, err := os.Stat(filepath.Join(w.dir, name))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(w.dir, name))
		}
	}
}

// FileLogger routes records to per-stream rotating files: errors to the error
// stream, HTTP records to the http stream, and everything to combined. A
// security child (With a "security" field) additionally lands in the security
// stream.
type FileLogger struct {
	mu       sync.Mutex
	level    LogLevel
	fields   []Field
	streams  map[string]*RotatingWriter
	delegate *DefaultLogger
}

// NewFileLogger creates a file logger writing under dir with the given
// per-stream rotation policy
func NewFileLogger(dir string, level LogLevel, configs map[string]RotationConfig) (*FileLogger, error) {
	if configs == nil {
		configs = DefaultRotationConfigs()
	}

	streams := make(map[string]*RotatingWriter, len(configs))
	for stream, cfg := range configs {
		w, err := NewRotatingWriter(dir, stream, cfg)
		if err != nil {
			for _, open := range streams {
				open.Close()
			}
			return nil, err
		}
		streams[stream] = w
	}

	return &FileLogger{
		level:    level,
		streams:  streams,
		delegate: NewDefaultLogger(level, "json"),
	}, nil
}

// Debug logs a debug message
func (l *FileLogger) Debug(msg string, fields ...Field) { l.emit(DebugLevel, msg, fields) }

// HTTP logs a request traffic record
func (l *FileLogger) HTTP(msg string, fields ...Field) { l.emit(HTTPLevel, msg, fields) }

// Info logs an info message
func (l *FileLogger) Info(msg string, fields ...Field) { l.emit(InfoLevel, msg, fields) }

// Warn logs a warning
func (l *FileLogger) Warn(msg string, fields ...Field) { l.emit(WarnLevel, msg, fields) }

// Error logs an error
func (l *FileLogger) Error(msg string, fields ...Field) { l.emit(ErrorLevel, msg, fields) }

// Fatal logs a fatal message, flushes all streams and exits
func (l *FileLogger) Fatal(msg string, fields ...Field) {
	l.emit(FatalLevel, msg, fields)
	l.Shutdown()
	os.Exit(1)
}

// With creates a child logger with additional fields
func (l *FileLogger) With(fields ...Field) Logger {
	newFields := make([]Field, len(l.fields)+len(fields))
	copy(newFields, l.fields)
	copy(newFields[len(l.fields):], fields)

	return &FileLogger{
		level:    l.level,
		fields:   newFields,
		streams:  l.streams,
		delegate: l.delegate,
	}
}

// SetLevel sets the minimum log level
func (l *FileLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput is a no-op for the file logger; streams are fixed at construction
func (l *FileLogger) SetOutput(w io.Writer) {}

// Shutdown flushes and closes every stream
func (l *FileLogger) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, w := range l.streams {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *FileLogger) emit(level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, fields...)

	for _, stream := range l.streamsFor(level, all) {
		w, ok := l.streams[stream]
		if !ok {
			continue
		}
		record := NewDefaultLogger(DebugLevel, "json")
		record.SetOutput(w)
		switch level {
		case DebugLevel:
			record.Debug(msg, all...)
		case HTTPLevel:
			record.HTTP(msg, all...)
		case InfoLevel:
			record.Info(msg, all...)
		case WarnLevel:
			record.Warn(msg, all...)
		default:
			record.Error(msg, all...)
		}
	}
}

func (l *FileLogger) streamsFor(level LogLevel, fields []Field) []string {
	streams := []string{StreamCombined}

	switch {
	case level >= ErrorLevel:
		streams = append(streams, StreamError)
	case level == HTTPLevel:
		streams = append(streams, StreamHTTP)
	}

	for _, f := range fields {
		if f.Key == "security" {
			streams = append(streams, StreamSecurity)
			break
		}
	}

	return streams
}
