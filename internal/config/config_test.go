package config

import (
	"flag"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Parse(fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != defaultListen || c.MaxConcurrentJobs != defaultMaxConcurrentJobs {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.RunnerTimeout != defaultRunnerTimeout || c.ShutdownGrace != defaultShutdownGrace {
		t.Fatalf("unexpected duration defaults: %+v", c)
	}
}

func TestParseFlagsOverrideEnv(t *testing.T) {
	t.Setenv("TAGRUN_MAX_CONCURRENT_JOBS", "3")
	t.Setenv("TAGRUN_RUNNER_TIMEOUT", "5s")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Parse(fs, []string{"-max-concurrent-jobs", "7"})
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrentJobs != 7 {
		t.Fatalf("expected flag to override env, got %d", c.MaxConcurrentJobs)
	}
	if c.RunnerTimeout != 5*time.Second {
		t.Fatalf("expected env fallback applied, got %s", c.RunnerTimeout)
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("TAGRUN_REPO_DSN", "postgres://example/db")
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Parse(fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.RepoDSN != "postgres://example/db" {
		t.Fatalf("expected env DSN, got %q", c.RepoDSN)
	}
}
