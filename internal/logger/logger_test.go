package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := Config{Dir: dir}
	require.True(t, cfg.Enabled())

	outW, errW, err := cfg.Writers("demo")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	assert.FileExists(t, filepath.Join(dir, "demo.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "demo.stderr.log"))
}

func TestWriters_WithExplicitPaths(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	ep := filepath.Join(dir, "s.err.log")
	cfg := Config{StdoutPath: sp, StderrPath: ep}

	outW, errW, err := cfg.Writers("ignored-name")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)

	b, err := os.ReadFile(sp)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
	b, err = os.ReadFile(ep)
	require.NoError(t, err)
	assert.Equal(t, "y", string(b))
}

func TestWriters_Unconfigured(t *testing.T) {
	cfg := Config{}
	assert.False(t, cfg.Enabled())
	outW, errW, err := cfg.Writers("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestRotatingDefaults(t *testing.T) {
	l := Config{}.rotating("/tmp/x.log")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = Config{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.rotating("/tmp/y.log")
	assert.Equal(t, &lj.Logger{Filename: "/tmp/y.log", MaxSize: 1, MaxBackups: 9, MaxAge: 2, Compress: true}, l)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodehost.log")
	log, closer := New(SlogConfig{Level: "debug", Format: "json", File: path})
	log.Debug("hello", "node", "abc")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
	assert.Contains(t, string(b), `"node":"abc"`)
}

func TestNewFiltersByLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodehost.log")
	log, closer := New(SlogConfig{Level: "warn", File: path})
	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), "kept")
}

func TestNewStderrCloserIsNoop(t *testing.T) {
	_, closer := New(SlogConfig{})
	assert.NoError(t, closer.Close())
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("component", "test")
	log.Error("boom")

	out := buf.String()
	assert.Contains(t, out, levelColors[slog.LevelError]+"ERROR"+colorReset)
	assert.Contains(t, out, "component=test")
	assert.False(t, strings.Contains(out, "time="), "time should be omitted")
}
