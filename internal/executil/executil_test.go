package executil

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestLookPathFindsShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only")
	}
	path, err := LookPath("sh")
	if err != nil {
		t.Fatalf("LookPath(sh): %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute path, got %q", path)
	}
}

func TestLookPathMissing(t *testing.T) {
	if _, err := LookPath("definitely-not-a-real-binary-xyz"); err == nil {
		t.Error("expected error for missing executable")
	}
}

func TestSafeEnvReplacesPath(t *testing.T) {
	env := SafeEnv()
	var path string
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			path = strings.TrimPrefix(entry, "PATH=")
		}
	}
	if path == "" {
		t.Fatal("SafeEnv should include PATH")
	}
	for _, dir := range filepath.SplitList(path) {
		if !filepath.IsAbs(dir) {
			t.Errorf("sanitized PATH contains relative dir %q", dir)
		}
	}
}

func TestReplaceEnv(t *testing.T) {
	in := []string{"PATH=/old", "HOME=/home/u"}
	out := replaceEnv(in, "PATH", "/new")

	var got string
	for _, entry := range out {
		if strings.HasPrefix(entry, "PATH=") {
			got = entry
		}
	}
	if got != "PATH=/new" {
		t.Errorf("expected PATH=/new, got %q", got)
	}
}

func TestFindExecutableRelativeWithSeparator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix-only")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "tool")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	got, err := findExecutable(bin, nil)
	if err != nil {
		t.Fatalf("findExecutable(abs): %v", err)
	}
	if got != bin {
		t.Errorf("got %q, want %q", got, bin)
	}
}
