package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutEnvOrFlags(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.False(t, cfg.ShowConfig)
	require.Empty(t, cfg.LogFile)
	require.True(t, cfg.StrictOffsetSerial)
}

func TestLoadReadsPrefixedEnvironmentVariables(t *testing.T) {
	t.Setenv("ULAYFS_SHOW_CONFIG", "true")
	t.Setenv("ULAYFS_STRICT_OFFSET_SERIAL", "false")
	t.Setenv("ULAYFS_LOG_FILE", "/tmp/ulayfs.log")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.True(t, cfg.ShowConfig)
	require.False(t, cfg.StrictOffsetSerial)
	require.Equal(t, "/tmp/ulayfs.log", cfg.LogFile)
}

func TestLoadBindsFlagsOverDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--show-config", "--strict-offset-serial=false"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	require.True(t, cfg.ShowConfig)
	require.False(t, cfg.StrictOffsetSerial)
}

func TestNewLoggerWritesToConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	cfg := &Config{LogFile: path}

	logger, closer, err := cfg.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
}

func TestNewLoggerDefaultsToStderrWhenNoFileConfigured(t *testing.T) {
	cfg := &Config{}
	logger, closer, err := cfg.NewLogger()
	require.NoError(t, err)
	require.Nil(t, closer)
	require.NotNil(t, logger)
}

func TestNewSessionLoggerTagsDistinctSessionIDs(t *testing.T) {
	cfg := &Config{}

	var buf1, buf2 bytes.Buffer
	base1 := slog.New(slog.NewTextHandler(&buf1, nil))
	base2 := slog.New(slog.NewTextHandler(&buf2, nil))

	cfg.NewSessionLogger(base1).Info("hello")
	cfg.NewSessionLogger(base2).Info("hello")

	require.NotEqual(t, buf1.String(), buf2.String(), "each session logger must carry its own session_id attribute")
	require.Contains(t, buf1.String(), "session_id=")
}

func TestDumpWritesAllThreeKnobs(t *testing.T) {
	cfg := &Config{ShowConfig: true, LogFile: "x.log", StrictOffsetSerial: false}
	var buf bytes.Buffer
	cfg.Dump(&buf)

	out := buf.String()
	require.Contains(t, out, "show_config=true")
	require.Contains(t, out, `log_file="x.log"`)
	require.Contains(t, out, "strict_offset_serial=false")
}
