package util

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRotatingFile_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := newRotatingFile(dir, 10, 10, func() time.Time { return day })
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		_, err := r.Write([]byte("12345678\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"gpgrelay_2026-03-01.1.log",
		"gpgrelay_2026-03-01.2.log",
		"gpgrelay_2026-03-01.log",
	}, logFiles(t, dir))
	assert.Equal(t, filepath.Join(dir, "gpgrelay_2026-03-01.2.log"), r.Path())

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "12345678\n", string(data))
}

func TestRotatingFile_SkipsFullFileOnOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gpgrelay_2026-03-01.log"), []byte("0123456789"), 0644))

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := newRotatingFile(dir, 10, 10, func() time.Time { return day })
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, filepath.Join(dir, "gpgrelay_2026-03-01.1.log"), r.Path())
}

func TestRotatingFile_RotatesOnDateAndPrunes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.log"), []byte("keep"), 0644))

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := newRotatingFile(dir, 0, 2, func() time.Time { return day })
	require.NoError(t, err)
	defer r.Close()

	for d := 0; d < 5; d++ {
		_, err := r.Write([]byte("line\n"))
		require.NoError(t, err)
		day = day.AddDate(0, 0, 1)
	}

	assert.Equal(t, []string{
		"gpgrelay_2026-03-03.log",
		"gpgrelay_2026-03-04.log",
		"gpgrelay_2026-03-05.log",
		"notes.log",
	}, logFiles(t, dir))
}

func TestRotatingFile_WriteAfterClose(t *testing.T) {
	r, err := NewRotatingFile(t.TempDir(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestParseLogName(t *testing.T) {
	day, seq, ok := parseLogName("gpgrelay_2026-03-01.log")
	assert.True(t, ok)
	assert.Equal(t, "2026-03-01", day)
	assert.Equal(t, 0, seq)

	day, seq, ok = parseLogName("gpgrelay_2026-03-01.12.log")
	assert.True(t, ok)
	assert.Equal(t, "2026-03-01", day)
	assert.Equal(t, 12, seq)

	for _, name := range []string{"gpgrelay.db", "gpgrelay_today.log", "gpgrelay_2026-03-01.x.log", "other_2026-03-01.log"} {
		_, _, ok := parseLogName(name)
		assert.False(t, ok, name)
	}
}

func TestSessionLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	logger := SessionLogger("9b1d7c6e-session", 6112)
	logger.Info().Msg("game connected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "relay", line["component"])
	assert.Equal(t, "9b1d7c6e-session", line["session"])
	assert.Equal(t, float64(6112), line["game_port"])
}
