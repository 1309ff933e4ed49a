package handoff

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
)

func withFakeCryptsetup(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cryptsetup")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}

	origPath := os.Getenv("PATH")
	t.Setenv("PATH", dir+string(os.PathListSeparator)+origPath)
}

func TestRekeySucceedsForAllDevices(t *testing.T) {
	withFakeCryptsetup(t, "cat >/dev/null; exit 0\n")

	report := Rekey(context.Background(), hclog.NewNullLogger(), []string{"/dev/mapper/root", "/dev/mapper/home"}, []byte("old"), []byte("new"))
	if !report.OK() {
		t.Fatalf("expected success, got failures: %v", report.Failed)
	}
}

func TestRekeyCollectsPerDeviceFailures(t *testing.T) {
	withFakeCryptsetup(t, "cat >/dev/null; exit 1\n")

	report := Rekey(context.Background(), hclog.NewNullLogger(), []string{"/dev/mapper/root", "/dev/mapper/home"}, []byte("old"), []byte("new"))
	if report.OK() {
		t.Fatal("expected failures to be recorded")
	}
	if len(report.Failed) != 2 {
		t.Fatalf("expected both devices to fail independently, got %v", report.Failed)
	}
}
