package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLoadPolicy(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		logs := captureLog(t)
		p, err := loadPolicy("")
		if err != nil || p != nil {
			t.Fatalf("loadPolicy(\"\") = %v, %v", p, err)
		}
		if logs.Len() != 0 {
			t.Errorf("unexpected log output %q", logs.String())
		}
	})

	t.Run("hooks", func(t *testing.T) {
		logs := captureLog(t)
		p, err := loadPolicy("./internal/interceptor/testdata/limit_setpoints.go")
		if err != nil {
			t.Fatal(err)
		}
		if p == nil {
			t.Fatal("expected a policy")
		}
		if out := logs.String(); !strings.Contains(out, "level=INFO") || !strings.Contains(out, "write policy loaded") {
			t.Errorf("unexpected log output %q", out)
		}
	})

	t.Run("no hooks", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "empty.go")
		if err := os.WriteFile(file, []byte("package policy\n\nfunc helper() {}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		logs := captureLog(t)
		p, err := loadPolicy(file)
		if err != nil {
			t.Fatal(err)
		}
		if p != nil {
			t.Errorf("expected no policy, got %v", p)
		}
		out := logs.String()
		if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "no Before or After hook") {
			t.Errorf("expected a warning, got %q", out)
		}
		if strings.Contains(out, "write policy loaded") {
			t.Errorf("a script without hooks must not be reported as loaded: %q", out)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		captureLog(t)
		if _, err := loadPolicy(filepath.Join(t.TempDir(), "nope.go")); err == nil {
			t.Error("expected an error for a missing script")
		}
	})
}
