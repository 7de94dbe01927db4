package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDGOverride(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/strata" {
		t.Fatalf("got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	originalHome := os.Getenv("HOME")
	os.Unsetenv("HOME")
	t.Cleanup(func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		}
	})

	if result := DefaultDataDir(); result != "./data" {
		t.Fatalf("expected fallback to './data', got %s", result)
	}
}

func TestIsDir(t *testing.T) {
	if !isDir(".") {
		t.Fatal("current directory should be a dir")
	}
	if isDir("/non/existent/path/that/does/not/exist") {
		t.Fatal("missing path reported as dir")
	}
	if isDir(os.Args[0]) {
		t.Fatal("file reported as dir")
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	result := DefaultDataDir()
	if result == "" {
		t.Fatal("empty data dir")
	}
	if !filepath.IsAbs(result) && !strings.HasPrefix(result, "./") {
		t.Fatalf("expected absolute path or ./ prefix, got %s", result)
	}
	lower := strings.ToLower(result)
	if !strings.HasSuffix(lower, "strata") && !strings.HasSuffix(lower, "data") {
		t.Fatalf("unexpected data dir %s", result)
	}
}
