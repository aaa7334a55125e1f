// Package config resolves the runtime options a ulayfs session is opened
// with and builds the slog.Logger every other internal package logs
// through. It plays the role deploymenttheory-go-apfs's LoadDMGConfig and
// bureau-foundation-bureau's pflag-bound param structs play in their own
// repos, generalized to the three knobs this system exposes.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable Config reads, so
// ULAYFS_LOG_FILE binds to LogFile and so on.
const EnvPrefix = "ULAYFS"

// Config is the resolved set of runtime options a ulayfs session can be
// tuned with.
type Config struct {
	// ShowConfig, when set, dumps the resolved Config to stderr once it
	// finishes resolving.
	ShowConfig bool `mapstructure:"show_config"`
	// LogFile redirects the session logger's output to a file instead of
	// stderr. Empty means stderr.
	LogFile string `mapstructure:"log_file"`
	// StrictOffsetSerial enables OffsetMgr's ticket-wait ordering; see
	// internal/offset.New.
	StrictOffsetSerial bool `mapstructure:"strict_offset_serial"`
}

// defaults leave logging unconfigured (stderr) and offset ordering
// strict, since that's the safer behavior to fall back to silently.
func defaults() Config {
	return Config{
		ShowConfig:         false,
		LogFile:            "",
		StrictOffsetSerial: true,
	}
}

// Flags registers a flag for each Config field onto flagSet, for a
// hosting shim (a CLI, a FUSE driver) that wants command-line overrides
// in addition to ULAYFS_-prefixed environment variables. flagSet must be
// non-nil here; it is Load that accepts a nil flagSet, resolving from
// defaults and the environment alone.
func Flags(flagSet *pflag.FlagSet) {
	flagSet.Bool("show-config", false, "dump the resolved configuration to stderr")
	flagSet.String("log-file", "", "redirect internal logging to this file instead of stderr")
	flagSet.Bool("strict-offset-serial", true, "enforce OffsetMgr ticket-wait ordering for concurrent writers")
}

// Load resolves a Config from defaults, ULAYFS_-prefixed environment
// variables, and flagSet if non-nil, in that increasing order of
// precedence. Grounded on deploymenttheory-go-apfs's LoadDMGConfig
// (SetDefault + SetEnvPrefix + AutomaticEnv + Unmarshal), swapping its
// config-file lookup for flag binding since this system has no on-disk
// config file of its own.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := defaults()
	v.SetDefault("show_config", d.ShowConfig)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("strict_offset_serial", d.StrictOffsetSerial)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		// pflag names use dashes (show-config) while the mapstructure
		// tags Unmarshal reads use underscores (show_config); bind each
		// flag explicitly rather than via BindPFlags, which would key
		// them under their dashed names and leave Unmarshal blind to
		// them.
		binds := map[string]string{
			"show_config":          "show-config",
			"log_file":             "log-file",
			"strict_offset_serial": "strict-offset-serial",
		}
		for key, flagName := range binds {
			if flag := flagSet.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds the slog.Logger every open session logs through,
// writing to c.LogFile if set or to stderr otherwise. The returned
// closer must be called (if non-nil) once the logger is no longer
// needed, to close the underlying log file.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("config: open log file %s: %w", c.LogFile, err)
		}
		w = f
		closer = f
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), closer, nil
}

// NewSessionLogger returns a Logger tagged with a fresh session_id, so
// log lines from concurrent processes sharing one PMEM image can be told
// apart. Every internal/file.Open call should mint its own via this
// method rather than sharing one Logger across sessions.
func (c *Config) NewSessionLogger(base *slog.Logger) *slog.Logger {
	return base.With("session_id", uuid.NewString())
}

// Dump writes cfg to w in the plain key=value form show_config prints to
// stderr; not a TUI render, matching the diagnostic-dump role described
// for this option.
func (c *Config) Dump(w io.Writer) {
	fmt.Fprintf(w, "show_config=%t\n", c.ShowConfig)
	fmt.Fprintf(w, "log_file=%q\n", c.LogFile)
	fmt.Fprintf(w, "strict_offset_serial=%t\n", c.StrictOffsetSerial)
}
