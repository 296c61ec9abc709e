package runner

import (
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"tagrun.dev/pkg/engineerr"
)

func TestParseDriverStdout(t *testing.T) {
	got, err := parseDriverStdout("a.json\nb.json\n\n")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.json", "b.json"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseDriverStdoutEmpty(t *testing.T) {
	got, err := parseDriverStdout("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(4)
	b.Write([]byte("hello world"))
	if got := b.String(); got != "hell" {
		t.Fatalf("got %q, want %q", got, "hell")
	}
}

func TestWriteDriverCarriesMetadataHeader(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "script.py")
	content := "# /// script\n# requires-python = \">=3.11\"\n# dependencies = [\"pandas\"]\n# ///\ndef main(path):\n    return None\n"
	if err := ioutil.WriteFile(script, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	driverPath, err := writeDriver(dir, script)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(driverPath)
	got, err := ioutil.ReadFile(driverPath)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(got), "requires-python") {
		t.Fatalf("expected driver to carry metadata header, got:\n%s", got)
	}
	if !contains(string(got), "_load(script_path)") {
		t.Fatalf("expected driver body to be present, got:\n%s", got)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

// TestRunEndToEnd exercises a real subprocess via uv, when available in
// the test environment. It is skipped otherwise rather than failing, so
// it stays green in CI environments without the uv/python toolchain.
func TestRunEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("uv"); err != nil {
		t.Skip("uv not installed; skipping end-to-end runner test")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "script.py")
	content := "# /// script\n# requires-python = \">=3.11\"\n# dependencies = []\n# ///\n" +
		"def main(path):\n" +
		"    out = 'result.out'\n" +
		"    with open(out, 'w') as f:\n" +
		"        f.write('done')\n" +
		"    return out\n"
	if err := ioutil.WriteFile(script, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "in.txt")
	if err := ioutil.WriteFile(input, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0700); err != nil {
		t.Fatal(err)
	}

	r := New()
	outputs, err := r.Run(context.Background(), script, input, outDir, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %v", outputs)
	}
}

func TestRunTimeout(t *testing.T) {
	if _, err := exec.LookPath("uv"); err != nil {
		t.Skip("uv not installed; skipping timeout test")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "script.py")
	content := "# /// script\n# requires-python = \">=3.11\"\n# dependencies = []\n# ///\n" +
		"import time\n" +
		"def main(path):\n" +
		"    time.sleep(5)\n" +
		"    return None\n"
	if err := ioutil.WriteFile(script, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(dir, "in.txt")
	ioutil.WriteFile(input, []byte("x"), 0644)
	outDir := filepath.Join(dir, "out")
	os.MkdirAll(outDir, 0700)

	r := New()
	_, err := r.Run(context.Background(), script, input, outDir, 200*time.Millisecond)
	var rf *engineerr.RunnerFailed
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !asRunnerFailed(err, &rf) || rf.Kind != engineerr.Timeout {
		t.Fatalf("expected RunnerFailed{Timeout}, got %v", err)
	}
}

func asRunnerFailed(err error, target **engineerr.RunnerFailed) bool {
	if rf, ok := err.(*engineerr.RunnerFailed); ok {
		*target = rf
		return true
	}
	return false
}
