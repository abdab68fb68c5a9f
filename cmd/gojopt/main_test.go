package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daimatz/gojopt/internal/fixture"
	"github.com/daimatz/gojopt/pkg/classpool"
)

// writeInputs writes a program and its library below a temporary directory.
func writeInputs(t *testing.T, p *fixture.Program) (in, lib string) {
	t.Helper()
	program, library := p.Build()
	dir := t.TempDir()
	in, lib = filepath.Join(dir, "in"), filepath.Join(dir, "lib")
	if err := program.WriteDir(in); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}
	if err := library.WriteDir(lib); err != nil {
		t.Fatalf("WriteDir: %v", err)
	}
	return in, lib
}

func TestRun(t *testing.T) {
	in, lib := writeInputs(t, fixture.ScenarioA())
	outDir := filepath.Join(t.TempDir(), "out")
	outJar := filepath.Join(t.TempDir(), "out", "app.jar")

	for _, out := range []string{outDir, outJar} {
		t.Run(filepath.Base(out), func(t *testing.T) {
			var stdout bytes.Buffer
			args := []string{"-lib", lib, "-verify", "demo.Main.run", "-out", out, in}
			if err := run(args, &stdout, io.Discard); err != nil {
				t.Fatalf("run: %v", err)
			}
			for _, want := range []string{"static lambdas:       1", "inlined call sites:   1", "fully inlined:        1", "removed"} {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("summary %q does not contain %q", stdout.String(), want)
				}
			}

			written, err := classpool.Load(out)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			util := written.Get(fixture.Util)
			if util == nil || util.FindMethod("twice$inlined$Inc", "(I)I") == nil {
				t.Error("the specialized method was not written")
			}
		})
	}
}

func TestRunWithConfig(t *testing.T) {
	in, lib := writeInputs(t, fixture.ScenarioA())
	dir := t.TempDir()
	cfg := filepath.Join(dir, "gojopt.yaml")
	// A bound no lambda fits under leaves the program as it was.
	data := "policy: short\nsize_bounds:\n  enforce: true\n  max_lambda_impl_length: 1\nlog:\n  level: error\n"
	if err := os.WriteFile(cfg, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	args := []string{"-config", cfg, "-lib", lib, "-out", filepath.Join(dir, "out"), in}
	if err := run(args, &stdout, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "inlined call sites:   0") {
		t.Errorf("summary: %q", stdout.String())
	}
}

func TestRunErrors(t *testing.T) {
	in, lib := writeInputs(t, fixture.ScenarioA())
	out := filepath.Join(t.TempDir(), "out")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no input", []string{"-out", out}, "exactly one input"},
		{"no output", []string{in}, "-out is required"},
		{"missing input", []string{"-out", out, filepath.Join(in, "nope")}, "loading"},
		{"missing config", []string{"-config", "nope.toml", "-out", out, in}, "reading config"},
		{"bad verify entry", []string{"-lib", lib, "-verify", "run", "-out", out, in}, "Class.method"},
		{"unknown verify class", []string{"-lib", lib, "-verify", "demo/Nope.run", "-out", out, in}, "not a program class"},
		{"verify method with arguments", []string{"-lib", lib, "-verify", "demo/Util.twice", "-out", out, in}, "no static no-argument method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, io.Discard, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want an error containing %q", err, tt.wantErr)
			}
		})
	}
}
