// Command tagrund runs the tag-driven file-processing engine: it wires
// the repository, blob store, subprocess runner, trigger resolver, job
// manager, and execution scheduler together and keeps running until
// asked to stop.
//
// Flag and version/license handling follows the teacher's cmdmain
// idiom (-version, -legal) without that package's multi-mode command
// dispatch, which this single-process server has no use for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go4.org/legal"

	"tagrun.dev/internal/config"
	"tagrun.dev/pkg/blobstore"
	"tagrun.dev/pkg/blobstore/localdisk"
	"tagrun.dev/pkg/buildinfo"
	"tagrun.dev/pkg/engine"
	"tagrun.dev/pkg/jobmanager"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/repository/memrepo"
	"tagrun.dev/pkg/repository/postgres"
	"tagrun.dev/pkg/runner"
	"tagrun.dev/pkg/scheduler"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	version := fs.Bool("version", false, "show version and exit")
	showLegal := fs.Bool("legal", false, "show licenses and exit")

	// config.Parse registers the engine's settings on the same flag set
	// and parses every argument, so -version and -legal can be given
	// alongside them.
	c, err := config.Parse(fs, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if *version {
		fmt.Println(buildinfo.Summary())
		return
	}
	if *showLegal {
		for _, text := range legal.Licenses() {
			fmt.Println(text)
		}
		return
	}

	if err := run(c); err != nil {
		log.Fatal(err)
	}
}

func run(c config.Config) error {
	var repo repository.Repository
	if c.RepoDSN != "" {
		pg, err := postgres.New(c.RepoDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		repo = memrepo.New()
	}

	var blobs blobstore.Store
	disk, err := localdisk.New(c.UploadsDir, c.ScriptsDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	blobs = disk

	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	jobs := jobmanager.New(repo, blobs)
	rnr := runner.New()
	sched := scheduler.New(repo, blobs, jobs, rnr, c.MaxConcurrentJobs, c.OutputDir, c.RunnerTimeout)
	eng := engine.New(repo, blobs, sched)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := eng.Reconcile(ctx, int64(c.RunnerTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if n > 0 {
		log.Printf("reconciled %d stale running job(s) as interrupted", n)
	}

	log.Printf("tagrund %s listening on %s", buildinfo.Summary(), c.Listen)
	// A transport layer (HTTP API, UI) is the collaborator that would
	// call eng's operations and serve c.Listen; wiring it in is outside
	// this engine's scope. Block here until asked to shut down so the
	// scheduler can still drain in-flight jobs on a real deployment
	// that embeds this engine behind such a server.
	<-ctx.Done()
	log.Print("shutting down, draining in-flight jobs")

	drainCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownGrace)
	defer cancel()
	if err := sched.Close(drainCtx); err != nil {
		return fmt.Errorf("drain jobs: %w", err)
	}
	return nil
}
