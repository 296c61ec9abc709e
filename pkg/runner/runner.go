// Package runner invokes a user script against a single input file in an
// isolated subprocess (component C3). It is a pure function of its
// inputs: it never touches the repository or the blob store.
//
// Invocation shape is grounded on Pachyderm's RunUserCode /
// RunUserErrorHandlingCode (src/server/worker/driver/driver.go):
// exec.CommandContext driving a child process, a context-scoped timeout
// that SIGTERMs then SIGKILLs on expiry, and stderr captured into a
// bounded buffer rather than streamed unbounded.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"tagrun.dev/pkg/engineerr"
)

// DefaultTimeout is used when callers pass a zero timeout.
const DefaultTimeout = 10 * time.Minute

// killGrace is how long SIGTERM is given to take effect before SIGKILL.
const killGrace = 5 * time.Second

// maxStderrCapture bounds how much stderr is retained for the caller.
const maxStderrCapture = 64 * 1024

// metadataBlock matches a PEP-723-style inline script metadata comment
// block at the head of a script file.
var metadataBlock = regexp.MustCompile(`(?s)^# /// script\n.*?\n# ///\n`)

// Runner runs scripts via an external dependency-solving invoker, "uv"
// by default.
type Runner struct {
	// Invoker is the dependency-solving command ("uv" by default). It
	// is invoked as `Invoker run --script <driver> <args...>`.
	Invoker string
	Log     *log.Logger
}

// New returns a Runner using "uv" as the invoker.
func New() *Runner {
	return &Runner{Invoker: "uv", Log: log.New(os.Stderr, "runner: ", log.LstdFlags)}
}

// Run executes scriptPath against inputPath with cwd set to outputDir,
// and returns the absolute output paths the script reported, all of
// which are verified to exist inside outputDir.
func (r *Runner) Run(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	invoker := r.Invoker
	if invoker == "" {
		invoker = "uv"
	}

	driverPath, err := writeDriver(outputDir, scriptPath)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "write driver", Err: err}
	}
	defer os.Remove(driverPath)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, invoker, "run", "--script", driverPath, scriptPath, inputPath)
	cmd.Dir = outputDir
	var stdout bytes.Buffer
	stderr := newBoundedBuffer(maxStderrCapture)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// On expiry CommandContext sends SIGTERM instead of its default
	// SIGKILL; waitWithTermThenKill escalates to SIGKILL after killGrace.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		return nil, &engineerr.RunnerFailed{Kind: engineerr.NonZeroExit, Detail: err.Error()}
	}

	waitErr := waitWithTermThenKill(runCtx, cmd, killGrace)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &engineerr.RunnerFailed{Kind: engineerr.Timeout, Detail: fmt.Sprintf("script exceeded timeout of %s", timeout)}
	}
	if waitErr != nil {
		return nil, &engineerr.RunnerFailed{Kind: engineerr.NonZeroExit, Detail: stderr.String()}
	}

	outputs, err := parseDriverStdout(stdout.String())
	if err != nil {
		return nil, &engineerr.RunnerFailed{Kind: engineerr.DriverParse, Detail: err.Error()}
	}

	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "resolve output dir", Err: err}
	}
	abs := make([]string, 0, len(outputs))
	for _, p := range outputs {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(absOutputDir, full)
		}
		if _, err := os.Stat(full); err != nil {
			return nil, &engineerr.RunnerFailed{Kind: engineerr.MissingOutput, Detail: "declared output path does not exist: " + p}
		}
		rel, err := filepath.Rel(absOutputDir, full)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, &engineerr.RunnerFailed{Kind: engineerr.MissingOutput, Detail: "output path escapes output directory: " + p}
		}
		abs = append(abs, full)
	}
	return abs, nil
}

// waitWithTermThenKill waits for cmd to exit, sending SIGTERM (then
// SIGKILL after grace) if the run context is done first.
func waitWithTermThenKill(ctx context.Context, cmd *exec.Cmd, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return <-done
}

// writeDriver builds a small Python driver that carries scriptPath's
// PEP-723 metadata header (so the invoker can solve its dependencies),
// imports scriptPath's module by file path, calls its main with the
// input path, and prints any returned output paths one per line.
func writeDriver(dir, scriptPath string) (string, error) {
	src, err := ioutil.ReadFile(scriptPath)
	if err != nil {
		return "", err
	}
	header := metadataBlock.FindString(string(src))
	driver := header + driverBody
	f, err := ioutil.TempFile(dir, "driver-*.py")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(driver); err != nil {
		f.Close()
		return "", err
	}
	return f.Name(), f.Close()
}

const driverBody = `
import importlib.util
import sys
import traceback

def _load(path):
    spec = importlib.util.spec_from_file_location("user_script", path)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    return mod

def _main():
    script_path, input_path = sys.argv[1], sys.argv[2]
    try:
        mod = _load(script_path)
        result = mod.main(input_path)
    except Exception:
        traceback.print_exc()
        sys.exit(1)
    if result is None:
        paths = []
    elif isinstance(result, (str, bytes)):
        paths = [result]
    else:
        paths = list(result)
    for p in paths:
        print(p)

if __name__ == "__main__":
    _main()
`

// parseDriverStdout splits the driver's stdout into one path per line,
// dropping blank trailing lines.
func parseDriverStdout(out string) ([]string, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	var paths []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		paths = append(paths, l)
	}
	return paths, nil
}

// boundedBuffer retains at most limit bytes written to it, discarding
// the remainder, matching the spec's requirement to truncate captured
// stderr to a bound instead of buffering it unboundedly.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer { return &boundedBuffer{limit: limit} }

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
	} else {
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
