// Package util provides the logger and host information shared by the relay.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logPrefix = "gpgrelay_"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	MaxSizeMB  int    `json:"max_size_mb"` // zero rotates by date only
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		MaxSizeMB:  20,
		Console:    true,
	}
}

var (
	activeMu   sync.Mutex
	activeFile *RotatingFile
)

// InitLogger initializes the zerolog global logger with a rotating JSON
// file and, optionally, console output. Calling it again replaces the
// previous file.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	file, err := NewRotatingFile(cfg.Directory, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return err
	}

	writers := []io.Writer{file}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "gpgrelay").
		Caller().
		Logger()

	activeMu.Lock()
	prev := activeFile
	activeFile = file
	activeMu.Unlock()
	if prev != nil {
		prev.Close()
	}

	log.Info().
		Str("level", level.String()).
		Str("log_file", file.Path()).
		Msg("logger initialized")
	return nil
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// SessionLogger is the logger of one relay session. Every line carries the
// session id and the game's UDP port so a single game can be followed
// through the shared log file.
func SessionLogger(sessionID string, gamePort int) zerolog.Logger {
	return log.With().
		Str("component", "relay").
		Str("session", sessionID).
		Int("game_port", gamePort).
		Logger()
}

// RotatingFile is an io.Writer over gpgrelay_<date>.log files in one
// directory. It opens a new file when the date changes or the current one
// exceeds the size limit, and keeps at most maxBackups older files.
type RotatingFile struct {
	dir        string
	maxBytes   int64
	maxBackups int
	now        func() time.Time

	mu   sync.Mutex
	file *os.File
	day  string
	seq  int
	size int64
}

// NewRotatingFile opens today's log file in dir, creating dir if needed.
func NewRotatingFile(dir string, maxSizeMB, maxBackups int) (*RotatingFile, error) {
	return newRotatingFile(dir, int64(maxSizeMB)<<20, maxBackups, time.Now)
}

func newRotatingFile(dir string, maxBytes int64, maxBackups int, now func() time.Time) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	r := &RotatingFile{
		dir:        dir,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		now:        now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(r.now().Format("2006-01-02")); err != nil {
		return nil, err
	}
	return r, nil
}

// Write appends p, rotating first when needed.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	day := r.now().Format("2006-01-02")
	if day != r.day || (r.maxBytes > 0 && r.size+int64(len(p)) > r.maxBytes && r.size > 0) {
		r.file.Close()
		if day != r.day {
			r.seq = 0
		} else {
			r.seq++
		}
		if err := r.openLocked(day); err != nil {
			r.file = nil
			return 0, err
		}
		r.pruneLocked()
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Path returns the file currently written to.
func (r *RotatingFile) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pathFor(r.day, r.seq)
}

// Close closes the current file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *RotatingFile) pathFor(day string, seq int) string {
	if seq == 0 {
		return filepath.Join(r.dir, logPrefix+day+".log")
	}
	return filepath.Join(r.dir, fmt.Sprintf("%s%s.%d.log", logPrefix, day, seq))
}

// openLocked opens day's file, skipping sequence numbers already full.
func (r *RotatingFile) openLocked(day string) error {
	for {
		path := r.pathFor(day, r.seq)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat log file %s: %w", path, err)
		}
		if r.maxBytes > 0 && info.Size() >= r.maxBytes {
			f.Close()
			r.seq++
			continue
		}
		r.file, r.day, r.size = f, day, info.Size()
		return nil
	}
}

// pruneLocked removes the oldest relay log files beyond maxBackups. Other
// files in the directory are left alone.
func (r *RotatingFile) pruneLocked() {
	if r.maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}

	type logName struct {
		name string
		day  string
		seq  int
	}
	current := filepath.Base(r.pathFor(r.day, r.seq))
	var old []logName
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == current {
			continue
		}
		if day, seq, ok := parseLogName(name); ok {
			old = append(old, logName{name: name, day: day, seq: seq})
		}
	}
	if len(old) <= r.maxBackups {
		return
	}

	sort.Slice(old, func(i, j int) bool {
		if old[i].day != old[j].day {
			return old[i].day < old[j].day
		}
		return old[i].seq < old[j].seq
	})
	for _, l := range old[:len(old)-r.maxBackups] {
		os.Remove(filepath.Join(r.dir, l.name))
	}
}

// parseLogName splits gpgrelay_<day>[.<seq>].log into its parts.
func parseLogName(name string) (day string, seq int, ok bool) {
	if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, ".log") {
		return "", 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), ".log")
	day, suffix, found := strings.Cut(rest, ".")
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return "", 0, false
	}
	if found {
		n, err := strconv.Atoi(suffix)
		if err != nil || n <= 0 {
			return "", 0, false
		}
		seq = n
	}
	return day, seq, true
}
