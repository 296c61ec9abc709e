// Package config loads tagrund's process configuration from flags with
// environment-variable fallbacks, in the style of the teacher's
// pkg/cmdmain package-level flag vars — generalized so every flag also
// has an env var a deployment can set instead.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every setting cmd/tagrund needs to wire the engine.
type Config struct {
	Listen            string
	RepoDSN           string // empty selects the in-process memrepo
	MaxConcurrentJobs int
	UploadsDir        string
	ScriptsDir        string
	OutputDir         string
	RunnerTimeout     time.Duration
	ShutdownGrace     time.Duration
}

// defaults mirror spec.md/SPEC_FULL.md section 6's configuration table.
const (
	defaultListen            = ":8080"
	defaultMaxConcurrentJobs = 10
	defaultUploadsDir        = "data/uploads"
	defaultScriptsDir        = "data/scripts"
	defaultOutputDir         = "data/work"
	defaultRunnerTimeout     = 600 * time.Second
	defaultShutdownGrace     = 30 * time.Second
)

// Parse registers tagrund's flags on fs, parses args, and returns the
// resulting Config. Each flag's default is its environment variable's
// value if set, otherwise the hardcoded default above — so a flag
// passed explicitly on the command line always wins over the
// environment, matching the usual flag/env precedence.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	var c Config
	fs.StringVar(&c.Listen, "listen", envOr("TAGRUN_LISTEN", defaultListen), "address to listen on")
	fs.StringVar(&c.RepoDSN, "repo-dsn", envOr("TAGRUN_REPO_DSN", ""), "postgres DSN; empty uses the in-process repository")
	fs.IntVar(&c.MaxConcurrentJobs, "max-concurrent-jobs", envOrInt("TAGRUN_MAX_CONCURRENT_JOBS", defaultMaxConcurrentJobs), "maximum jobs running at once")
	fs.StringVar(&c.UploadsDir, "uploads-dir", envOr("TAGRUN_UPLOADS_DIR", defaultUploadsDir), "directory holding uploaded file blobs")
	fs.StringVar(&c.ScriptsDir, "scripts-dir", envOr("TAGRUN_SCRIPTS_DIR", defaultScriptsDir), "directory holding versioned script blobs")
	fs.StringVar(&c.OutputDir, "output-dir", envOr("TAGRUN_OUTPUT_DIR", defaultOutputDir), "scratch directory for in-flight job input/output staging")
	fs.DurationVar(&c.RunnerTimeout, "runner-timeout", envOrDuration("TAGRUN_RUNNER_TIMEOUT", defaultRunnerTimeout), "per-job subprocess timeout")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", envOrDuration("TAGRUN_SHUTDOWN_GRACE", defaultShutdownGrace), "time to wait for in-flight jobs to drain on shutdown")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return c, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
